package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-connections/tlsconfig"

	"github.com/jguan/stagepipe/pkg/gateway/middleware"
	"github.com/jguan/stagepipe/pkg/infra/eventbus"
	"github.com/jguan/stagepipe/pkg/infra/metrics"
	"github.com/jguan/stagepipe/pkg/infra/ratelimit"
)

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds every non-streaming request.
	RequestTimeout time.Duration
	MaxBodyBytes   int64

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string
	TLSKey  string

	AuthConfig      middleware.AuthConfig
	RateLimitPerMin int

	// History serves GET /progress; Bus serves its streaming form. Either may be nil.
	History ProgressHistory
	Bus     eventbus.Bus
	// Metrics is mounted at /metrics when set.
	Metrics  http.Handler
	Requests *metrics.RequestMetrics

	Logger *slog.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:9190",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestTimeout:  30 * time.Second,
		MaxBodyBytes:    4 << 20,
		AuthConfig:      middleware.DefaultAuthConfig(),
	}
}

type Server struct {
	config  ServerConfig
	mu      sync.Mutex
	http    *http.Server
	handler http.Handler
	logger  *slog.Logger
}

func NewServer(runs RunService, config ServerConfig) *Server {
	def := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.AuthConfig.PathLevels == nil {
		config.AuthConfig.PathLevels = def.AuthConfig.PathLevels
	}
	if config.Requests == nil {
		config.Requests = metrics.NewRequestMetrics(nil)
	}

	s := &Server{
		config: config,
		logger: config.Logger,
	}
	s.handler = s.buildHandler(runs)
	return s
}

func (s *Server) buildHandler(runs RunService) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{runs: runs, history: s.config.History, bus: s.config.Bus}
	h.register(mux)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}

	var handler http.Handler = mux
	handler = s.limits(handler)

	if s.config.RateLimitPerMin > 0 {
		perMin := s.config.RateLimitPerMin
		limiter := ratelimit.New(float64(perMin)/60, int64(perMin))
		handler = middleware.RateLimit(limiter)(handler)
	}

	authCfg := s.config.AuthConfig
	authCfg.Logger = s.logger
	handler = middleware.Auth(authCfg)(handler)

	// Logging and Recovery are outermost so they observe every request,
	// including those rejected by Auth, and catch panics from any middleware.
	handler = middleware.Logging(s.logger, s.config.Requests)(handler)
	handler = middleware.RequestID()(handler)
	handler = middleware.Recovery(s.logger)(handler)

	return handler
}

// limits applies the body size cap and the request timeout. Progress streams
// are exempt from the timeout and from the server write deadline.
func (s *Server) limits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		if wantsStream(r) {
			_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
			next.ServeHTTP(w, r)
			return
		}
		if s.config.RequestTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the fully wrapped handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	useTLS := s.config.TLSCert != "" && s.config.TLSKey != ""
	if useTLS {
		tlsCfg, err := tlsconfig.Server(tlsconfig.Options{
			CertFile: s.config.TLSCert,
			KeyFile:  s.config.TLSKey,
		})
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("starting HTTP server", slog.String("addr", ln.Addr().String()), slog.Bool("tls", useTLS))
	}

	var err error
	if useTLS {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if s.logger != nil {
		s.logger.Info("stopping HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

type healthStatus struct {
	Status          string                  `json:"status"`
	Requests        metrics.RequestSnapshot `json:"requests"`
	DroppedProgress uint64                  `json:"dropped_progress"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:   "healthy",
		Requests: s.config.Requests.Snapshot(),
	}
	if d, ok := s.config.Bus.(interface{ Dropped() uint64 }); ok {
		status.DroppedProgress = d.Dropped()
	}

	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) Config() ServerConfig {
	return s.config
}
