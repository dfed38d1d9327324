// Package server is the receive endpoint used to check REMB against a real
// browser. Chrome sends video, the BWE interceptor estimates the available
// bandwidth and answers with REMB, and the page follows the estimate over a
// WebSocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/thesyncim/rbe/pkg/bwe"
	bweinterceptor "github.com/thesyncim/rbe/pkg/bwe/interceptor"
	"github.com/thesyncim/rbe/pkg/logger"
)

// Config holds server configuration options.
type Config struct {
	// Addr is the listen address; ":0" picks a free port.
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// REMBInterval is the regular REMB cadence toward the browser.
	REMBInterval time.Duration `yaml:"remb_interval"`

	// IncludeLoopback offers loopback ICE candidates, for peers on the
	// same host.
	IncludeLoopback bool `yaml:"include_loopback"`

	Estimator bwe.Config `yaml:"estimator"`
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	estimator := bwe.DefaultConfig()
	estimator.RateControl.MinBitrateBps = 100_000
	estimator.RateControl.MaxBitrateBps = 5_000_000

	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		REMBInterval: time.Second,
		Estimator:    estimator,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.REMBInterval <= 0 {
		return errors.New("remb_interval must be positive")
	}
	return c.Estimator.Validate()
}

// Server is an importable HTTP server for WebRTC Chrome interop testing.
type Server struct {
	config     Config
	log        *zap.Logger
	lf         logging.LoggerFactory
	registry   *prometheus.Registry
	metrics    *bweinterceptor.Metrics
	feed       *estimateFeed
	nextID     atomic.Uint64
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	addr     string
	running  bool
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called. A nil log discards
// output.
func NewServer(cfg Config, log *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	metrics, err := bweinterceptor.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		log:      log,
		lf:       logger.NewLoggerFactory(log),
		registry: registry,
		metrics:  metrics,
		feed:     newEstimateFeed(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/ws", s.handleFeed)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server stopped", zap.Error(err))
		}
	}()

	return s.addr, nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	s.feed.close()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Registry returns the Prometheus registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(HTMLPage))
}
