package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/reqlog/config"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/daniellavrushin/reqlog/record"
	"github.com/gorilla/websocket"
)

const maxMessageSize = 512

// Upgrader accepts viewers from any origin.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub owns the set of connected viewers. The set is only touched by the
// run goroutine; everything else talks to it over channels.
type Hub struct {
	clients map[*Client]struct{}

	in    chan []byte
	reg   chan regRequest
	unreg chan *Client
	count chan chan int
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once

	maxSubscribers int
	sendBuffer     int
	writeTimeout   time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration

	resolver *record.Resolver
	metrics  *metrics.MetricsCollector
}

type regRequest struct {
	c  *Client
	ok chan bool
}

type clientState int32

const (
	stateConnecting clientState = iota
	stateOpen
	stateClosed
	stateErrored
)

func (s clientState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

// Client is one viewer channel. Identity is the pointer; id is for logs.
type Client struct {
	id    string
	addr  string
	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32
}

func hubTimings(cfg config.HubConfig) (write, ping, pong time.Duration) {
	write = time.Duration(cfg.WriteTimeout) * time.Second
	ping = time.Duration(cfg.PingInterval) * time.Second
	pong = ping * 10 / 9
	return
}
