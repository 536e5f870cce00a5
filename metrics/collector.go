package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	rateWindow   = 60
	recentEvents = 20
)

type MetricsCollector struct {
	RequestsLogged   uint64
	MethodDist       map[string]uint64
	CurrentRPS       float64
	RequestRate      []TimeSeriesPoint
	PageErrors       uint64
	ActiveViewers    int64
	ViewersConnected uint64
	ViewersRejected  uint64
	ViewersClosed    uint64
	ViewersErrored   uint64
	MessagesQueued   uint64
	MessagesSkipped  uint64
	SendFailures     uint64
	RelayIn          uint64
	RelayOut         uint64
	RelayErrors      uint64

	StartTime    time.Time
	MemoryUsage  MemoryStats
	Goroutines   int
	RecentEvents []SystemEvent

	lastUpdate   time.Time
	mu           sync.RWMutex
	lastRequests uint64
}

type TimeSeriesPoint struct {
	Timestamp int64
	Value     float64
}

type MemoryStats struct {
	Allocated      uint64
	TotalAllocated uint64
	System         uint64
	HeapInuse      uint64
	NumGC          uint32
}

type SystemEvent struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// ViewerOutcome is how a subscriber channel ended.
type ViewerOutcome int

const (
	ViewerClosed ViewerOutcome = iota
	ViewerErrored
)

func NewCollector() *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{
		StartTime:    now,
		MethodDist:   make(map[string]uint64),
		RequestRate:  make([]TimeSeriesPoint, 0, rateWindow),
		RecentEvents: make([]SystemEvent, 0, recentEvents),
		lastUpdate:   now,
	}
}

// Run refreshes rates once per second until ctx ends. When interval > 0,
// a summary line is handed to report every interval.
func (m *MetricsCollector) Run(ctx context.Context, interval time.Duration, report func(string)) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastReport time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.updateRates(now)
			if interval > 0 && report != nil && now.Sub(lastReport) >= interval {
				lastReport = now
				report(m.Summary())
			}
		}
	}
}

func (m *MetricsCollector) updateRates(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := now.Sub(m.lastUpdate).Seconds()
	if duration <= 0 {
		return
	}

	m.CurrentRPS = float64(m.RequestsLogged-m.lastRequests) / duration
	m.RequestRate = append(m.RequestRate, TimeSeriesPoint{
		Timestamp: now.UnixMilli(),
		Value:     m.CurrentRPS,
	})
	if len(m.RequestRate) > rateWindow {
		m.RequestRate = m.RequestRate[len(m.RequestRate)-rateWindow:]
	}

	m.lastUpdate = now
	m.lastRequests = m.RequestsLogged
}

func (m *MetricsCollector) updateSystemStats() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.MemoryUsage = MemoryStats{
		Allocated:      memStats.Alloc,
		TotalAllocated: memStats.TotalAlloc,
		System:         memStats.Sys,
		HeapInuse:      memStats.HeapInuse,
		NumGC:          memStats.NumGC,
	}
	m.Goroutines = runtime.NumGoroutine()
}

func (m *MetricsCollector) RecordRequest(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestsLogged++
	m.MethodDist[method]++
}

func (m *MetricsCollector) RecordPageError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PageErrors++
}

func (m *MetricsCollector) ViewerConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ViewersConnected++
	m.ActiveViewers++
}

func (m *MetricsCollector) ViewerRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ViewersRejected++
}

func (m *MetricsCollector) ViewerGone(outcome ViewerOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ActiveViewers > 0 {
		m.ActiveViewers--
	}
	if outcome == ViewerErrored {
		m.ViewersErrored++
	} else {
		m.ViewersClosed++
	}
}

// RecordFanout counts one publish: queued deliveries, skipped non-open
// viewers and viewers whose queue was full.
func (m *MetricsCollector) RecordFanout(queued, skipped, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesQueued += uint64(queued)
	m.MessagesSkipped += uint64(skipped)
	m.SendFailures += uint64(failed)
}

func (m *MetricsCollector) RecordSendFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendFailures++
}

func (m *MetricsCollector) RecordRelay(in, out, errs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RelayIn += uint64(in)
	m.RelayOut += uint64(out)
	m.RelayErrors += uint64(errs)
}

func (m *MetricsCollector) RecordEvent(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := SystemEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}

	m.RecentEvents = append([]SystemEvent{event}, m.RecentEvents...)
	if len(m.RecentEvents) > recentEvents {
		m.RecentEvents = m.RecentEvents[:recentEvents]
	}
}

func (m *MetricsCollector) GetSnapshot() *MetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := &MetricsCollector{
		RequestsLogged:   m.RequestsLogged,
		CurrentRPS:       m.CurrentRPS,
		PageErrors:       m.PageErrors,
		ActiveViewers:    m.ActiveViewers,
		ViewersConnected: m.ViewersConnected,
		ViewersRejected:  m.ViewersRejected,
		ViewersClosed:    m.ViewersClosed,
		ViewersErrored:   m.ViewersErrored,
		MessagesQueued:   m.MessagesQueued,
		MessagesSkipped:  m.MessagesSkipped,
		SendFailures:     m.SendFailures,
		RelayIn:          m.RelayIn,
		RelayOut:         m.RelayOut,
		RelayErrors:      m.RelayErrors,
		StartTime:        m.StartTime,
		MemoryUsage:      m.MemoryUsage,
		Goroutines:       m.Goroutines,
	}

	snapshot.MethodDist = make(map[string]uint64, len(m.MethodDist))
	for k, v := range m.MethodDist {
		snapshot.MethodDist[k] = v
	}

	snapshot.RequestRate = make([]TimeSeriesPoint, len(m.RequestRate))
	copy(snapshot.RequestRate, m.RequestRate)

	snapshot.RecentEvents = make([]SystemEvent, len(m.RecentEvents))
	copy(snapshot.RecentEvents, m.RecentEvents)

	return snapshot
}

// PeakRPS is the highest per-second rate in the retained window.
func (m *MetricsCollector) PeakRPS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var peak float64
	for _, p := range m.RequestRate {
		if p.Value > peak {
			peak = p.Value
		}
	}
	return peak
}

// Summary renders the counters and runtime stats as a single log line.
func (m *MetricsCollector) Summary() string {
	m.updateSystemStats()
	s := m.GetSnapshot()

	methods := make([]string, 0, len(s.MethodDist))
	for k := range s.MethodDist {
		methods = append(methods, k)
	}
	sort.Strings(methods)
	var dist strings.Builder
	for i, k := range methods {
		if i > 0 {
			dist.WriteByte(',')
		}
		fmt.Fprintf(&dist, "%s=%d", k, s.MethodDist[k])
	}

	return fmt.Sprintf("requests=%d (%s) rps=%.2f peak_rps=%.2f viewers=%d connected=%d rejected=%d closed=%d errored=%d queued=%d skipped=%d failed=%d relay_in=%d relay_out=%d relay_err=%d mem=%s heap=%s gc=%d goroutines=%d uptime=%s",
		s.RequestsLogged, dist.String(), s.CurrentRPS, s.PeakRPS(), s.ActiveViewers,
		s.ViewersConnected, s.ViewersRejected, s.ViewersClosed, s.ViewersErrored,
		s.MessagesQueued, s.MessagesSkipped, s.SendFailures,
		s.RelayIn, s.RelayOut, s.RelayErrors,
		formatBytes(s.MemoryUsage.Allocated), formatBytes(s.MemoryUsage.HeapInuse), s.MemoryUsage.NumGC,
		s.Goroutines, formatDuration(time.Since(s.StartTime)))
}

// EventLog returns the recent events oldest first, one line each.
func (m *MetricsCollector) EventLog() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines := make([]string, 0, len(m.RecentEvents))
	for i := len(m.RecentEvents) - 1; i >= 0; i-- {
		e := m.RecentEvents[i]
		lines = append(lines, fmt.Sprintf("%s %s: %s", e.Timestamp.Format("15:04:05"), e.Level, e.Message))
	}
	return lines
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
