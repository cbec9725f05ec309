// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PerryB-GIT/sessionforge-sub001/internal/api"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/auth"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/config"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/lifecycle"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/pubsub"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/registry"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/relay"
	"github.com/PerryB-GIT/sessionforge-sub001/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	broker       pubsub.Broker
	relay        *relay.Relay
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	keys := auth.NewKeyService(db, cfg.Auth.KeyPepper, logger)

	broker, err := pubsub.NewBroker(cfg.PubSub, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init pubsub: %w", err)
	}

	reg := registry.New()
	tracker := lifecycle.New(db, broker, cfg.Session.MaxPerUser, logger)

	rl := relay.New(db, keys, authProvider, reg, tracker, broker, logger, relay.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxAgentMsgBytes:   cfg.Relay.MaxAgentMsgBytes,
		MaxBrowserMsgBytes: cfg.Relay.MaxBrowserMsgBytes,
		OutboundQueueSize:  cfg.Relay.OutboundQueueSize,
		MaxBrowserConns:    cfg.Relay.MaxBrowserConns,
		PingInterval:       cfg.Relay.PingInterval.Duration,
		PongTimeout:        cfg.Relay.PongTimeout.Duration,
		Alerts: relay.AlertThresholds{
			CPUPercent:    cfg.Alerts.CPUPercent,
			MemoryPercent: cfg.Alerts.MemoryPercent,
			DiskPercent:   cfg.Alerts.DiskPercent,
			Cooldown:      cfg.Alerts.Cooldown.Duration,
		},
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, keys, rl, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		broker:       broker,
		relay:        rl,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start idle reaper.
	h.relay.StartIdleReaper(ctx, h.cfg.Session.IdleTimeout.Duration)

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.OutputRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.OutputRetention.Duration, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		_ = h.broker.Close()
		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.broker.Close()
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, outputRetention, auditRetention time.Duration) {
	if auditRetention <= 0 {
		auditRetention = outputRetention
	}
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outputCutoff := time.Now().Add(-outputRetention)
			if n, err := h.store.PurgeOldOutput(ctx, outputCutoff); err != nil {
				h.logger.Warn("retention purge: output failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old output", "count", n)
			}
			auditCutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
