// Package record builds the structured representation of one inbound HTTP
// request and the encodings it travels in.
package record

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/yl2chen/cidranger"
)

const (
	TimeLayout    = "2006-01-02 15:04:05"
	UnknownSource = "unknown"
)

// LogRecord is one logged request. It is built once and never mutated.
type LogRecord struct {
	Timestamp string `json:"timestamp" msgpack:"timestamp"`
	IP        string `json:"ip" msgpack:"ip"`
	Method    string `json:"method" msgpack:"method"`
	Path      string `json:"path" msgpack:"path"`
}

// Resolver decides where a request came from. A nil ranger trusts the
// forwarding header from every peer.
type Resolver struct {
	trusted cidranger.Ranger
}

func NewResolver(trusted cidranger.Ranger) *Resolver {
	return &Resolver{trusted: trusted}
}

// Source returns the first X-Forwarded-For entry when the peer may set it,
// else the peer host, else UnknownSource.
func (res *Resolver) Source(r *http.Request) string {
	peer := peerHost(r.RemoteAddr)

	if fwd := firstForwarded(r.Header.Get("X-Forwarded-For")); fwd != "" && res.trusts(peer) {
		return fwd
	}
	if peer != "" {
		return peer
	}
	return UnknownSource
}

func (res *Resolver) trusts(peer string) bool {
	if res == nil || res.trusted == nil {
		return true
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	ok, err := res.trusted.Contains(ip)
	return err == nil && ok
}

func peerHost(remote string) string {
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func firstForwarded(header string) string {
	first, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(first)
}

// New builds the record for r at time now.
func New(r *http.Request, res *Resolver, now time.Time) *LogRecord {
	target := r.RequestURI
	if target == "" && r.URL != nil {
		target = r.URL.RequestURI()
	}
	return &LogRecord{
		Timestamp: now.UTC().Format(TimeLayout),
		IP:        res.Source(r),
		Method:    r.Method,
		Path:      target,
	}
}

// Marshal returns the compact JSON form pushed to viewers.
func (l *LogRecord) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

func Unmarshal(data []byte) (*LogRecord, error) {
	var l LogRecord
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// String is the operator console line.
func (l *LogRecord) String() string {
	return fmt.Sprintf("[%s] %s %s %s", l.Timestamp, l.IP, l.Method, l.Path)
}
