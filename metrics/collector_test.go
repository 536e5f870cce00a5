package metrics

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	m := NewCollector()
	m.RecordRequest("GET")
	m.RecordRequest("GET")
	m.RecordRequest("POST")

	s := m.GetSnapshot()
	if s.RequestsLogged != 3 {
		t.Errorf("RequestsLogged = %d, want 3", s.RequestsLogged)
	}
	if s.MethodDist["GET"] != 2 || s.MethodDist["POST"] != 1 {
		t.Errorf("unexpected method dist: %v", s.MethodDist)
	}

	// snapshot must not alias the live map
	s.MethodDist["GET"] = 100
	if m.GetSnapshot().MethodDist["GET"] != 2 {
		t.Error("snapshot aliases the collector's map")
	}
}

func TestViewerLifecycle(t *testing.T) {
	m := NewCollector()
	m.ViewerConnected()
	m.ViewerConnected()
	m.ViewerGone(ViewerClosed)
	m.ViewerGone(ViewerErrored)
	m.ViewerGone(ViewerClosed) // extra removal must not underflow

	s := m.GetSnapshot()
	if s.ActiveViewers != 0 {
		t.Errorf("ActiveViewers = %d, want 0", s.ActiveViewers)
	}
	if s.ViewersClosed != 2 || s.ViewersErrored != 1 {
		t.Errorf("closed=%d errored=%d", s.ViewersClosed, s.ViewersErrored)
	}
}

func TestRecentEventsBounded(t *testing.T) {
	m := NewCollector()
	for i := 0; i < recentEvents+5; i++ {
		m.RecordEvent("info", "event")
	}
	m.RecordEvent("error", "latest")

	s := m.GetSnapshot()
	if len(s.RecentEvents) != recentEvents {
		t.Fatalf("len(RecentEvents) = %d, want %d", len(s.RecentEvents), recentEvents)
	}
	if s.RecentEvents[0].Message != "latest" {
		t.Errorf("newest event should be first, got %q", s.RecentEvents[0].Message)
	}
}

func TestUpdateRates(t *testing.T) {
	m := NewCollector()
	start := m.lastUpdate
	for i := 0; i < 10; i++ {
		m.RecordRequest("GET")
	}
	m.updateRates(start.Add(2 * time.Second))

	s := m.GetSnapshot()
	if s.CurrentRPS != 5 {
		t.Errorf("CurrentRPS = %v, want 5", s.CurrentRPS)
	}
	if len(s.RequestRate) != 1 {
		t.Errorf("expected one rate point, got %d", len(s.RequestRate))
	}

	for i := 0; i < rateWindow+10; i++ {
		m.updateRates(start.Add(time.Duration(3+i) * time.Second))
	}
	if got := len(m.GetSnapshot().RequestRate); got != rateWindow {
		t.Errorf("rate series length = %d, want %d", got, rateWindow)
	}
}

func TestSummary(t *testing.T) {
	m := NewCollector()
	m.RecordRequest("POST")
	m.RecordRequest("GET")
	m.RecordFanout(3, 1, 1)

	sum := m.Summary()
	for _, frag := range []string{"requests=2", "(GET=1,POST=1)", "queued=3", "skipped=1", "failed=1", "peak_rps=0.00", "mem=", "goroutines="} {
		if !strings.Contains(sum, frag) {
			t.Errorf("summary %q missing %q", sum, frag)
		}
	}
}

func TestSummaryRefreshesRuntimeStats(t *testing.T) {
	m := NewCollector()
	if s := m.GetSnapshot(); s.Goroutines != 0 || s.MemoryUsage.Allocated != 0 {
		t.Fatalf("runtime stats read before any summary: %+v", s.MemoryUsage)
	}

	m.Summary()
	s := m.GetSnapshot()
	if s.Goroutines < 1 {
		t.Errorf("Goroutines = %d after Summary", s.Goroutines)
	}
	if s.MemoryUsage.Allocated == 0 {
		t.Error("MemoryUsage not populated by Summary")
	}
}

func TestPeakRPS(t *testing.T) {
	m := NewCollector()
	start := m.lastUpdate
	for i := 0; i < 4; i++ {
		m.RecordRequest("GET")
	}
	m.updateRates(start.Add(time.Second))
	m.RecordRequest("GET")
	m.updateRates(start.Add(2 * time.Second))

	if got := m.PeakRPS(); got != 4 {
		t.Errorf("PeakRPS = %v, want 4", got)
	}
	if !strings.Contains(m.Summary(), "peak_rps=4.00") {
		t.Errorf("summary missing peak rate: %s", m.Summary())
	}
}

func TestEventLogOldestFirst(t *testing.T) {
	m := NewCollector()
	m.RecordEvent("info", "starting")
	m.RecordEvent("error", "bind failed")

	lines := m.EventLog()
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.HasSuffix(lines[0], "info: starting") || !strings.HasSuffix(lines[1], "error: bind failed") {
		t.Errorf("unexpected event log: %q", lines)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[uint64]string{
		512:             "512B",
		2048:            "2.0KiB",
		5 * 1024 * 1024: "5.0MiB",
	}
	for b, want := range cases {
		if got := formatBytes(b); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", b, got, want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 0, nil) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		5 * time.Second:               "5s",
		2*time.Minute + 3*time.Second: "2m 3s",
		3*time.Hour + 4*time.Minute:   "3h 4m 0s",
		49*time.Hour + 10*time.Second: "2d 1h 0m 10s",
	}
	for d, want := range cases {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
