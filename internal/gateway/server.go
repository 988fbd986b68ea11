// Package gateway is the HTTP surface of callrelay: the Twilio media-stream
// WebSocket, the voice and status webhooks, health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/callrelay/internal/observability"
	"github.com/haasonsaas/callrelay/internal/orchestrator"
	"github.com/haasonsaas/callrelay/internal/sessions"
)

const (
	defaultStreamPath   = "/twilio"
	defaultStartTimeout = 10 * time.Second
	maxWebhookBodyBytes = 64 * 1024
)

// SessionFactory creates the orchestrator session for an identified stream.
type SessionFactory func(peer orchestrator.TelephonyPeer, callID, streamID string) (*orchestrator.Session, error)

// Config configures a Server.
type Config struct {
	// StreamPath is where Twilio opens the media stream WebSocket.
	StreamPath string
	// PublicURL is the externally reachable base URL, used for TwiML and
	// webhook signature checks.
	PublicURL string
	// AuthToken is the Twilio auth token used to verify webhooks.
	AuthToken        string
	VerifySignatures bool
	// StartTimeout bounds the wait for the stream's start frame.
	StartTimeout time.Duration
}

// Server serves the callrelay HTTP endpoints.
type Server struct {
	config     Config
	newSession SessionFactory
	tracker    *sessions.Tracker
	metrics    *observability.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	// baseCtx outlives requests; sessions run under it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time
}

// Options are the optional collaborators of a Server.
type Options struct {
	Tracker *sessions.Tracker
	Metrics *observability.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewServer creates a server. Sessions are created by factory.
func NewServer(cfg Config, factory SessionFactory, opts Options) (*Server, error) {
	if factory == nil {
		return nil, errors.New("gateway: session factory is required")
	}
	if cfg.VerifySignatures && cfg.AuthToken == "" {
		return nil, errors.New("gateway: auth token is required to verify signatures")
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = defaultStreamPath
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if opts.Tracker == nil {
		opts.Tracker = sessions.NewTracker()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     cfg,
		newSession: factory,
		tracker:    opts.Tracker,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		logger:     opts.Logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// Twilio does not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		baseCtx:    baseCtx,
		cancelBase: cancel,
		startTime:  time.Now(),
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc(s.config.StreamPath, s.handleStream)
	mux.HandleFunc("/twiml", s.handleTwiML)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String(), "stream_path", s.config.StreamPath)
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Shutdown stops accepting requests, ends live sessions and waits for them
// to unwind, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()

	var shutdownErr error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	canceled := s.tracker.CancelAll()
	s.cancelBase()
	if !s.tracker.Wait(ctx) {
		s.logger.Warn("sessions still running at shutdown deadline", "count", s.tracker.Count())
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}
	s.logger.Info("gateway stopped", "sessions_ended", canceled)
	return shutdownErr
}

// Tracker returns the live-session registry.
func (s *Server) Tracker() *sessions.Tracker {
	return s.tracker
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sessions":       s.tracker.Count(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
