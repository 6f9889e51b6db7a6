// Package app wires configuration, storage and the admission pipeline
// into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/communityforge/inference-gateway/internal/auth"
	"github.com/communityforge/inference-gateway/internal/backend"
	"github.com/communityforge/inference-gateway/internal/budget"
	"github.com/communityforge/inference-gateway/internal/budgetcfg"
	"github.com/communityforge/inference-gateway/internal/byok"
	"github.com/communityforge/inference-gateway/internal/config"
	"github.com/communityforge/inference-gateway/internal/db"
	"github.com/communityforge/inference-gateway/internal/gateway"
	"github.com/communityforge/inference-gateway/internal/logging"
	"github.com/communityforge/inference-gateway/internal/metrics"
	"github.com/communityforge/inference-gateway/internal/ratelimit"
	"github.com/communityforge/inference-gateway/internal/store/memstore"
	"github.com/communityforge/inference-gateway/internal/store/redisstore"
)

// Migrate opens the database and runs schema migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the gateway and blocks until ctx is canceled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	log.WithField("dialect", db.DialectName(conn)).Info("database ready")

	recorder := metrics.NewRecorder()

	// Atomic stores: Redis when configured, in-process otherwise.
	var (
		ledgerStore  budget.Store
		counterStore ratelimit.CounterStore
		quotaStore   byok.QuotaStore
	)
	if cfg.Redis.Addr != "" {
		client, errRedis := redisstore.Connect(ctx, cfg.Redis)
		if errRedis != nil {
			return errRedis
		}
		defer func() { _ = client.Close() }()
		ledgerStore = redisstore.NewLedger(client, cfg.Budget.ReservationTTL)
		counterStore = redisstore.NewCounters(client)
		quotaStore = redisstore.NewQuota(client)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis stores")
	} else {
		ledgerStore = memstore.NewLedger()
		counterStore = memstore.NewCounters()
		quotaStore = memstore.NewQuota()
		log.Info("using in-process stores (single-node mode)")
		if !db.IsSQLite(conn) {
			// A shared database usually means multiple instances, and
			// in-process counters do not coordinate across them.
			log.Warn("postgres without redis: ledger and rate limits are per-instance")
		}
	}

	authService, errAuth := auth.NewService(
		cfg.Auth.Issuer, cfg.Auth.TokenTTL, cfg.Auth.RotationOverlap,
		auth.WithKeyStore(auth.NewGormKeyStore(conn)),
	)
	if errAuth != nil {
		return errAuth
	}

	drift := budget.NewDriftMonitor(conn, recorder)
	ledger := budget.NewManager(ledgerStore, cfg.Budget.ReservationTTL, drift)
	reaper := budget.NewReaper(ledger, ledgerStore, cfg.Budget.ReapInterval, recorder)

	limiter := ratelimit.NewLimiter(counterStore)
	settings := budgetcfg.NewProvider(conn, cfg.Budget.DefaultMonthlyCents, cfg.Budget.ConfigCacheTTL)

	caller := backend.NewClient(cfg.Backend, recorder.SetBreakerOpen)
	byokManager := byok.NewManager(conn, quotaStore, cfg.Backend)

	usageRecorder := gateway.NewRecorder(conn)
	tracker := gateway.NewStreamTracker(ledger, usageRecorder, recorder, cfg.Usage.StreamIdleTTL, cfg.Usage.StreamSweep)
	pusher := gateway.NewSinkPusher(conn, cfg.Usage.SinkURL, cfg.Usage.PushInterval)

	orch := gateway.NewOrchestrator(settings, limiter, ledger, caller, byokManager, usageRecorder, tracker, recorder, cfg.ClassFor)
	server := gateway.NewServer(authService, orch)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	reaper.Start(workerCtx)
	tracker.Start(workerCtx)
	pusher.Start(workerCtx)
	go rotateKeys(workerCtx, authService, cfg.Auth.RotationInterval)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("gateway listening")
		if errServe := httpServer.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
	}()

	select {
	case errServe := <-errCh:
		return fmt.Errorf("app: serve: %w", errServe)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

// rotateKeys rotates the signing key on a fixed cadence. The retiring
// key keeps verifying for the configured overlap, so in-flight tokens
// survive the swap.
func rotateKeys(ctx context.Context, service *auth.Service, interval time.Duration) {
	log.Infof("key rotation started (interval=%s)", interval)
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if errRotate := service.Rotate(); errRotate != nil {
			log.WithError(errRotate).Error("key rotation failed")
			continue
		}
		log.Info("signing key rotated")
	}
}
