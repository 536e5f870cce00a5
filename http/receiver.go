package http

import (
	stdhttp "net/http"
	"os"
	"time"

	"github.com/daniellavrushin/reqlog/config"
	"github.com/daniellavrushin/reqlog/http/ws"
	"github.com/daniellavrushin/reqlog/log"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/daniellavrushin/reqlog/record"
	"github.com/gorilla/websocket"
)

// Publisher receives every logged record.
type Publisher interface {
	Publish(rec *record.LogRecord)
}

// Receiver logs and broadcasts every request, then serves the viewer page,
// the websocket endpoint, or a 404.
type Receiver struct {
	pagePath      string
	viewerPath    string
	subscribePath string

	hub        *ws.Hub
	resolver   *record.Resolver
	publishers []Publisher
	metrics    *metrics.MetricsCollector
	now        func() time.Time
}

// NewReceiver wires a receiver to hub. Extra publishers (the relay) get the
// same records as the hub.
func NewReceiver(cfg *config.Config, hub *ws.Hub, resolver *record.Resolver, m *metrics.MetricsCollector, extra ...Publisher) *Receiver {
	if m == nil {
		m = metrics.NewCollector()
	}
	pubs := make([]Publisher, 0, len(extra)+1)
	pubs = append(pubs, hub)
	for _, p := range extra {
		if p != nil {
			pubs = append(pubs, p)
		}
	}

	return &Receiver{
		pagePath:      cfg.Server.PagePath,
		viewerPath:    cfg.Server.ViewerPath,
		subscribePath: cfg.Server.SubscribePath,
		hub:           hub,
		resolver:      resolver,
		publishers:    pubs,
		metrics:       m,
		now:           time.Now,
	}
}

func (rc *Receiver) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	// The handshake belongs to the hub; it is not a logged request.
	if r.URL.Path == rc.subscribePath && websocket.IsWebSocketUpgrade(r) {
		rc.hub.ServeWS(w, r)
		return
	}

	rec := record.New(r, rc.resolver, rc.now())
	log.Infof("%s", rec)
	rc.metrics.RecordRequest(rec.Method)
	for _, p := range rc.publishers {
		p.Publish(rec)
	}

	// Routing matches the raw target, query included, so "/?x=1" is a 404.
	switch rec.Path {
	case "/", rc.viewerPath:
		rc.servePage(w)
	case rc.subscribePath:
		writeText(w, stdhttp.StatusUpgradeRequired, "Upgrade Required")
	default:
		writeText(w, stdhttp.StatusNotFound, "Not Found")
	}
}

// servePage reads the page on every request so it can be edited live.
func (rc *Receiver) servePage(w stdhttp.ResponseWriter) {
	data, err := os.ReadFile(rc.pagePath)
	if err != nil {
		log.Errorf("Failed to read viewer page %s: %v", rc.pagePath, err)
		rc.metrics.RecordPageError()
		writeText(w, stdhttp.StatusInternalServerError, "Error loading page")
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(stdhttp.StatusOK)
	w.Write(data)
}

func writeText(w stdhttp.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write([]byte(body))
}
