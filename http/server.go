package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/daniellavrushin/reqlog/config"
	"github.com/daniellavrushin/reqlog/log"
	"golang.org/x/net/netutil"
)

type Server struct {
	srv *stdhttp.Server
	ln  net.Listener
}

// StartServer binds the listening socket right away so a busy port fails
// startup. Serve must be called to start accepting requests.
func StartServer(cfg *config.Config, handler stdhttp.Handler) (*Server, error) {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
		log.Infof("Limiting to %d concurrent connections", cfg.Server.MaxConns)
	}

	srv := &stdhttp.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{srv: srv, ln: ln}, nil
}

// Addr is the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve() error {
	log.Infof("Request logger listening on %s", s.ln.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return log.Errorf("web server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not tracked; hooks registered with
// OnShutdown handle them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// OnShutdown registers f to run when Shutdown starts.
func (s *Server) OnShutdown(f func()) {
	s.srv.RegisterOnShutdown(f)
}
