package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "taskrunner/pkg/logx"
)

// ServerConfig controls the metrics HTTP listener.
type ServerConfig struct {
	Enabled bool
	Addr    string
	Path    string
	// Pprof also mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	return c
}

// Server serves the Prometheus registry, the HDR latency summaries and
// optionally pprof. Apply can be called repeatedly as config changes.
type Server struct {
	gatherer  prom.Gatherer
	collector *Collector
	log       logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	cfg ServerConfig
}

func NewServer(g prom.Gatherer, c *Collector, log logx.Logger) *Server {
	if g == nil {
		g = prom.DefaultGatherer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{gatherer: g, collector: c, log: log.With(logx.String("comp", "metrics"))}
}

// Handler builds the mux served by the listener.
func (s *Server) Handler(cfg ServerConfig) http.Handler {
	cfg = cfg.withDefaults()
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/latency", s.serveLatency)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *Server) serveLatency(w http.ResponseWriter, r *http.Request) {
	var stats []LatencyStats
	if s.collector != nil {
		if name := r.URL.Query().Get("runner"); name != "" {
			st, ok := s.collector.Latency(name)
			if !ok {
				http.NotFound(w, r)
				return
			}
			stats = []LatencyStats{st}
		} else {
			stats = s.collector.Latencies()
		}
	}
	if stats == nil {
		stats = []LatencyStats{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// Apply starts, restarts or stops the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg ServerConfig) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg ServerConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("metrics listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{Handler: s.Handler(cfg), ReadHeaderTimeout: 5 * time.Second}

	s.srv = srv
	s.ln = ln
	s.cfg = cfg
	addr := ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("metrics enabled", logx.String("addr", addr), logx.String("path", cfg.Path), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln := s.srv, s.ln
	addr := ln.Addr().String()
	s.srv, s.ln, s.cfg = nil, nil, ServerConfig{}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("metrics shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("metrics disabled", logx.String("addr", addr))
}

// Addr reports the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
