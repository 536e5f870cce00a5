// Package relay bridges log records between logger instances over Redis
// pub/sub, so viewers connected to any instance see every request.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/daniellavrushin/reqlog/config"
	"github.com/daniellavrushin/reqlog/log"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/daniellavrushin/reqlog/record"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	outboundBuffer = 256
	retryDelay     = 5 * time.Second
)

// Publisher is where records from other instances are delivered.
type Publisher interface {
	Publish(rec *record.LogRecord)
}

// Envelope is the wire form on the Redis channel.
type Envelope struct {
	Origin string           `msgpack:"origin"`
	Record record.LogRecord `msgpack:"record"`
}

type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	local   Publisher
	out     chan []byte
	metrics *metrics.MetricsCollector
}

// New creates a relay. No connection is made until Run.
func New(cfg config.RelayConfig, local Publisher, m *metrics.MetricsCollector) *Relay {
	if m == nil {
		m = metrics.NewCollector()
	}
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 2,
	})
	return &Relay{
		client:  client,
		channel: cfg.Channel,
		origin:  uuid.New().String(),
		local:   local,
		out:     make(chan []byte, outboundBuffer),
		metrics: m,
	}
}

func (r *Relay) Origin() string { return r.origin }

func encode(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Publish queues rec for the other instances. It never blocks; when the
// outbound buffer is full the record is dropped for the relay only.
func (r *Relay) Publish(rec *record.LogRecord) {
	payload, err := encode(&Envelope{Origin: r.origin, Record: *rec})
	if err != nil {
		log.Errorf("Relay: failed to encode record: %v", err)
		r.metrics.RecordRelay(0, 0, 1)
		return
	}
	select {
	case r.out <- payload:
	default:
		log.Warnf("Relay: outbound buffer full, record not relayed")
		r.metrics.RecordRelay(0, 0, 1)
	}
}

// deliver hands a record from another instance to the local hub. Records
// this instance published are ignored since they were already delivered.
func (r *Relay) deliver(payload []byte) bool {
	env, err := decode(payload)
	if err != nil {
		log.Errorf("Relay: dropping malformed message: %v", err)
		r.metrics.RecordRelay(0, 0, 1)
		return false
	}
	if env.Origin == r.origin {
		return false
	}
	log.Tracef("Relay: record from %s: %s", env.Origin, &env.Record)
	rec := env.Record
	r.local.Publish(&rec)
	r.metrics.RecordRelay(1, 0, 0)
	return true
}

// Run connects, subscribes and pumps records both ways until ctx ends.
// Redis being unreachable is logged and retried, never returned.
func (r *Relay) Run(ctx context.Context) error {
	defer r.client.Close()

	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Errorf("Relay: %v; retrying in %s", err, retryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func (r *Relay) session(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping %s: %w", r.client.Options().Addr, err)
	}

	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	log.Infof("Relay: subscribed to %s on %s as %s", r.channel, r.client.Options().Addr, r.origin)

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-in:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			r.deliver([]byte(msg.Payload))

		case payload := <-r.out:
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				log.Errorf("Relay: publish failed: %v", err)
				r.metrics.RecordRelay(0, 0, 1)
				continue
			}
			r.metrics.RecordRelay(0, 1, 0)
		}
	}
}
