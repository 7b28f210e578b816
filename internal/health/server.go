// Package health serves the agent's local status endpoints: /health as JSON
// and /metrics in the Prometheus text format.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/bilal/edr-agent/internal/decision"
	"github.com/bilal/edr-agent/internal/relay"
)

// Source reports relay state. *relay.Client implements it.
type Source interface {
	LinkState() decision.LinkState
	QueueLen() (int, error)
	LastFlush() relay.FlushStatus
}

type Server struct {
	addr    string
	mode    string
	source  Source
	running atomic.Bool
	srv     *http.Server
}

func New(addr, mode string, src Source) *Server {
	s := &Server{addr: addr, mode: mode, source: src}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) SetRunning(ok bool) { s.running.Store(ok) }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve listens on the configured address until Shutdown is called.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Running    bool               `json:"running"`
	Mode       string             `json:"mode"`
	LinkState  decision.LinkState `json:"link_state"`
	QueueDepth int                `json:"queue_depth"`
	QueueError string             `json:"queue_error,omitempty"`
	LastFlush  *relay.FlushStatus `json:"last_flush,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Running:   s.running.Load(),
		Mode:      s.mode,
		LinkState: s.source.LinkState(),
	}
	if n, err := s.source.QueueLen(); err != nil {
		resp.QueueError = err.Error()
	} else {
		resp.QueueDepth = n
	}
	if lf := s.source.LastFlush(); !lf.At.IsZero() {
		resp.LastFlush = &lf
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
