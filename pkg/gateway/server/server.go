package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/voicebridge/pkg/core/voice/realtime"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/handlers"
	"github.com/vango-go/voicebridge/pkg/gateway/live/session"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessionstore"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
	"github.com/vango-go/voicebridge/pkg/gateway/ratelimit"
)

// Deps are the long-lived components shared by every call. Tenants and
// Notifier are optional; leave them nil when not configured.
type Deps struct {
	Manager  *sessions.Manager
	Store    *sessionstore.Store
	Dialer   realtime.Dialer
	Tenants  session.Tenants
	Notifier session.Notifier
	Metrics  *metrics.Metrics
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	deps    Deps
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                cfg.RateLimitRPS,
			Burst:              cfg.RateLimitBurst,
			MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Connections: s.deps.Manager,
		Store:       s.deps.Store,
		Timeout:     s.cfg.StoreTimeout,
	})
	s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	s.mux.Handle("GET /v1/calls/{callID}", handlers.CallStatusHandler{Calls: s.deps.Manager})
	s.mux.Handle("/v1/media-stream", handlers.MediaStreamHandler{
		Config: handlers.MediaStreamConfig{
			AuthToken:        s.cfg.TwilioAuthToken,
			PublicBaseURL:    s.cfg.PublicBaseURL,
			HandshakeTimeout: s.cfg.HandshakeTimeout,
			WriteTimeout:     s.cfg.WriteTimeout,
			MaxMessageBytes:  s.cfg.MaxMessageBytes,
		},
		Manager:   s.deps.Manager,
		Limiter:   s.limiter,
		Logger:    s.logger,
		Agent:     s.agentTemplate(),
		OnLimited: s.deps.Metrics.RateLimited,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) agentTemplate() session.Dependencies {
	deps := session.Dependencies{
		Dialer:   s.deps.Dialer,
		Store:    s.deps.Store,
		Tenants:  s.deps.Tenants,
		Notifier: s.deps.Notifier,
		Observer: s.deps.Metrics,
		Logger:   s.logger,
		Provider: realtime.Options{
			Model:        s.cfg.ProviderModel(),
			Voice:        s.cfg.Voice,
			Language:     s.cfg.Language,
			Instructions: s.cfg.Instructions,
		},
		Config: session.Config{
			InboundQueueSize:  s.cfg.InboundQueueSize,
			OutboundQueueSize: s.cfg.OutboundQueueSize,
			WriteTimeout:      s.cfg.WriteTimeout,
			ConnectTimeout:    s.cfg.ConnectTimeout,
			StoreTimeout:      s.cfg.StoreTimeout,
			NotifyTimeout:     s.cfg.NotifyTimeout,
			DeleteOnEnd:       s.cfg.SessionDeleteOnEnd,
		},
	}
	return deps
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, s.deps.Metrics.RateLimited, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
