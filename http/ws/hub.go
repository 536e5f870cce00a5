package ws

import (
	"github.com/daniellavrushin/reqlog/config"
	"github.com/daniellavrushin/reqlog/log"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/daniellavrushin/reqlog/record"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// NewHub starts a hub. Call Stop to release it.
func NewHub(cfg config.HubConfig, resolver *record.Resolver, m *metrics.MetricsCollector) *Hub {
	if m == nil {
		m = metrics.NewCollector()
	}
	write, ping, pong := hubTimings(cfg)
	sendBuffer := cfg.SendBuffer
	if sendBuffer < 1 {
		sendBuffer = config.DefaultConfig.Hub.SendBuffer
	}

	h := &Hub{
		clients:        map[*Client]struct{}{},
		in:             make(chan []byte, 1024),
		reg:            make(chan regRequest),
		unreg:          make(chan *Client),
		count:          make(chan chan int),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		maxSubscribers: cfg.MaxSubscribers,
		sendBuffer:     sendBuffer,
		writeTimeout:   write,
		pingInterval:   ping,
		pongWait:       pong,
		resolver:       resolver,
		metrics:        m,
	}
	go h.run()
	return h
}

func newClient(conn *websocket.Conn, addr string, buffer int) *Client {
	return &Client{
		id:   uuid.New().String(),
		addr: addr,
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			for c := range h.clients {
				c.finish(stateClosed)
				close(c.send)
				delete(h.clients, c)
			}
			return

		case req := <-h.reg:
			if h.maxSubscribers > 0 && len(h.clients) >= h.maxSubscribers {
				req.ok <- false
				continue
			}
			if !req.c.state.CompareAndSwap(int32(stateConnecting), int32(stateOpen)) {
				// a terminal or reused channel never re-enters the set
				req.ok <- false
				continue
			}
			h.clients[req.c] = struct{}{}
			req.ok <- true

		case c := <-h.unreg:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case msg := <-h.in:
			h.fanout(msg)

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) fanout(msg []byte) {
	var queued, skipped, failed int
	for c := range h.clients {
		if !c.isOpen() {
			skipped++
			continue
		}
		select {
		case c.send <- msg:
			queued++
		default:
			failed++
			log.Warnf("Viewer %s (%s) send queue full, message dropped", c.id, c.addr)
		}
	}
	h.metrics.RecordFanout(queued, skipped, failed)
}

// Subscribe adds c to the set. It reports false when the hub is stopped,
// the subscriber limit is reached, or c is no longer connecting.
func (h *Hub) Subscribe(c *Client) bool {
	req := regRequest{c: c, ok: make(chan bool, 1)}
	select {
	case h.reg <- req:
		return <-req.ok
	case <-h.done:
		return false
	}
}

// Unsubscribe removes c. Removing an absent client is a no-op.
func (h *Hub) Unsubscribe(c *Client) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

// Publish serializes rec once and queues it for every open viewer.
func (h *Hub) Publish(rec *record.LogRecord) {
	msg, err := rec.Marshal()
	if err != nil {
		log.Errorf("Failed to encode log record: %v", err)
		return
	}
	select {
	case h.in <- msg:
	case <-h.done:
	}
}

// Len returns the number of subscribed viewers.
func (h *Hub) Len() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stop closes every viewer queue, which makes each writer send a close
// frame, and waits for the run loop to exit. Safe to call repeatedly.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
