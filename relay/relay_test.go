package relay

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/daniellavrushin/reqlog/config"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/daniellavrushin/reqlog/record"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

type collect struct {
	mu   sync.Mutex
	recs []record.LogRecord
	got  chan struct{}
}

func newCollect() *collect {
	return &collect{got: make(chan struct{}, 16)}
}

func (c *collect) Publish(rec *record.LogRecord) {
	c.mu.Lock()
	c.recs = append(c.recs, *rec)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collect) all() []record.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record.LogRecord(nil), c.recs...)
}

func sample() *record.LogRecord {
	return &record.LogRecord{Timestamp: "2026-10-19 11:00:00", IP: "203.0.113.9", Method: "HEAD", Path: "/health?full=1"}
}

func testConfig() config.RelayConfig {
	return config.RelayConfig{Addr: "127.0.0.1:0", Channel: config.DefaultRelayChannel}
}

func TestEnvelopeCodec(t *testing.T) {
	env := &Envelope{Origin: "node-a", Record: *sample()}
	data, err := encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(env, back); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverFromOtherOrigin(t *testing.T) {
	local := newCollect()
	m := metrics.NewCollector()
	r := New(testConfig(), local, m)

	payload, _ := encode(&Envelope{Origin: "other-node", Record: *sample()})
	if !r.deliver(payload) {
		t.Fatal("record from another origin was not delivered")
	}
	if diff := cmp.Diff([]record.LogRecord{*sample()}, local.all()); diff != "" {
		t.Errorf("delivered records mismatch (-want +got):\n%s", diff)
	}
	if got := m.GetSnapshot().RelayIn; got != 1 {
		t.Errorf("RelayIn = %d, want 1", got)
	}
}

func TestDeliverIgnoresOwnOrigin(t *testing.T) {
	local := newCollect()
	r := New(testConfig(), local, nil)

	payload, _ := encode(&Envelope{Origin: r.Origin(), Record: *sample()})
	if r.deliver(payload) {
		t.Error("own record must not be delivered twice")
	}
	if len(local.all()) != 0 {
		t.Error("local publisher received own record")
	}
}

func TestDeliverMalformed(t *testing.T) {
	m := metrics.NewCollector()
	r := New(testConfig(), newCollect(), m)

	if r.deliver([]byte{0xc1, 0x00}) {
		t.Error("malformed payload delivered")
	}
	if got := m.GetSnapshot().RelayErrors; got != 1 {
		t.Errorf("RelayErrors = %d, want 1", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	m := metrics.NewCollector()
	r := New(testConfig(), newCollect(), m)

	done := make(chan struct{})
	go func() {
		for i := 0; i < outboundBuffer+10; i++ {
			r.Publish(sample())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no consumer")
	}

	if got := len(r.out); got != outboundBuffer {
		t.Errorf("queued %d, want %d", got, outboundBuffer)
	}
	if got := m.GetSnapshot().RelayErrors; got != 10 {
		t.Errorf("RelayErrors = %d, want 10", got)
	}

	env, err := decode(<-r.out)
	if err != nil {
		t.Fatalf("decode queued payload: %v", err)
	}
	if env.Origin != r.Origin() {
		t.Errorf("origin = %q, want %q", env.Origin, r.Origin())
	}
}

func TestRunStopsWithoutRedis(t *testing.T) {
	r := New(testConfig(), newCollect(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestRelayBetweenInstances needs a real Redis: REDIS_ADDR=localhost:6379.
func TestRelayBetweenInstances(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	cfg := config.RelayConfig{Addr: addr, Channel: "reqlog:test:" + uuid.NewString()}

	aLocal, bLocal := newCollect(), newCollect()
	a := New(cfg, aLocal, nil)
	b := New(cfg, bLocal, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	// give both subscriptions time to become active
	time.Sleep(500 * time.Millisecond)
	a.Publish(sample())

	select {
	case <-bLocal.got:
	case <-time.After(5 * time.Second):
		t.Fatal("instance b never received the record")
	}
	if diff := cmp.Diff([]record.LogRecord{*sample()}, bLocal.all()); diff != "" {
		t.Errorf("b records mismatch (-want +got):\n%s", diff)
	}

	time.Sleep(200 * time.Millisecond)
	if got := len(aLocal.all()); got != 0 {
		t.Errorf("instance a received its own record %d times", got)
	}
}
