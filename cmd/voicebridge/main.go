package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/voice/realtime"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessionstore"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
	"github.com/vango-go/voicebridge/pkg/gateway/notify"
	gatewayserver "github.com/vango-go/voicebridge/pkg/gateway/server"
	"github.com/vango-go/voicebridge/pkg/gateway/tenants"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newDialer(cfg config.Config) (realtime.Dialer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return &realtime.OpenAIDialer{
			APIKey:           cfg.OpenAIAPIKey,
			URL:              cfg.OpenAIURL,
			Model:            cfg.OpenAIModel,
			HandshakeTimeout: cfg.ConnectTimeout,
		}, nil
	case config.ProviderGemini:
		return &realtime.GeminiDialer{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// components holds everything built from the configuration. close releases
// the external connections in reverse order of creation.
type components struct {
	deps    gatewayserver.Deps
	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	c := &components{}
	m := metrics.New("voicebridge")
	c.deps.Metrics = m

	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	c.deps.Dialer = dialer

	storeOpts := sessionstore.Options{
		FallbackIdleTimeout: cfg.FallbackIdleTimeout,
		FallbackMaxSessions: cfg.FallbackMaxSessions,
		Logger:              logger,
		Observer:            m,
	}
	if cfg.RedisURL != "" {
		client, err := sessionstore.DialRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = client.Close() })
		storeOpts.Durable = sessionstore.NewRedis(client, sessionstore.RedisOptions{TTL: cfg.SessionTTL})
	} else {
		logger.Warn("no redis configured; sessions live in process memory only")
	}
	store := sessionstore.New(storeOpts)
	m.WatchFallbackSize("voicebridge", store.FallbackLen)
	c.deps.Store = store

	if cfg.DatabaseURL != "" {
		pool, err := tenants.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			c.close()
			return nil, err
		}
		c.closers = append(c.closers, pool.Close)
		if cfg.MigrateOnStart {
			if err := tenants.Migrate(ctx, pool, logger); err != nil {
				c.close()
				return nil, err
			}
		}
		c.deps.Tenants = tenants.NewDirectory(pool, tenants.Options{
			CacheSize: cfg.TenantCacheSize,
			CacheTTL:  cfg.TenantCacheTTL,
			Logger:    logger,
		})
	}

	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, logger)
		if err != nil {
			c.close()
			return nil, err
		}
		c.closers = append(c.closers, nc.Close)
		c.deps.Notifier = notify.NewNATSPublisher(nc, cfg.NATSSubject)
	}

	c.deps.Manager = sessions.NewManager(sessions.Options{
		LivenessInterval: cfg.LivenessInterval,
		WriteTimeout:     cfg.WriteTimeout,
		Logger:           logger,
		Observer:         m,
	})
	return c, nil
}

func runBridge(ctx context.Context, stderr io.Writer, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer comps.close()

	manager := comps.deps.Manager
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go manager.Run(sweepCtx)

	gw := gatewayserver.New(cfg, comps.deps, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice bridge", "addr", cfg.Addr, "provider", cfg.Provider,
		"durable_store", cfg.RedisURL != "", "tenants", cfg.DatabaseURL != "", "notify", cfg.NATSURL != "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	manager.SetDraining(true)

	// Hijacked media streams are not tracked by http.Server, so Shutdown
	// only stops the listener and idle connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	active := manager.ActiveConnectionCount()
	if active > 0 {
		logger.Info("waiting for active calls", "active_connections", active)
	}
	if !manager.Wait(shutdownCtx) {
		n := manager.CancelAll(sessions.ReasonShutdown)
		logger.Warn("grace period elapsed; canceling calls", "calls", n)
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		manager.Wait(waitCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("voice bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := runBridge(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
