// Command server is the proxy's process entrypoint: it loads
// configuration and credential state, wires every internal package into
// an Orchestrator, starts the background quota sweep, and serves the
// client-facing router.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/cache"
	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/history"
	"github.com/Laisky/codeassist-proxy/internal/httpapi"
	"github.com/Laisky/codeassist-proxy/internal/logger"
	"github.com/Laisky/codeassist-proxy/internal/models"
	"github.com/Laisky/codeassist-proxy/internal/notifier"
	"github.com/Laisky/codeassist-proxy/internal/orchestrator"
	"github.com/Laisky/codeassist-proxy/internal/pool"
	"github.com/Laisky/codeassist-proxy/internal/queue"
	"github.com/Laisky/codeassist-proxy/internal/ratelimit"
	"github.com/Laisky/codeassist-proxy/internal/tokencount"
	"github.com/Laisky/codeassist-proxy/internal/tokenlifecycle"
	"github.com/Laisky/codeassist-proxy/internal/tracing"
	"github.com/Laisky/codeassist-proxy/internal/upstream"
)

const (
	quotaSweepInterval   = 5 * time.Minute
	cachePersistInterval = 5 * time.Minute
)

// run builds the full dependency graph and blocks serving HTTP until ctx
// is cancelled (typically by an OS signal — see main()).
func run(ctx context.Context) error {
	cfg := config.Load()
	credential.Load()

	shutdownTracing := tracing.Init("codeassist-proxy")
	defer shutdownTracing(context.Background())

	reg := models.Default()

	var delivery notifier.Delivery = notifier.NoOpDelivery{}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		delivery = notifier.NewWebhookDelivery(cfg.Webhook.URL)
	}
	notify := notifier.New(delivery)

	poolOpts := pool.Options{
		Strategy:               pool.Strategy(cfg.Pool.Strategy),
		AutoRotate:             cfg.Pool.AutoRotate,
		AutoRotateThresholdPct: float64(cfg.Pool.AutoRotateThresholdPct),
		AutoRotateCooldown:     time.Duration(cfg.Pool.AutoRotateCooldownMins) * time.Minute,
		ErrorRotateThreshold:   cfg.Pool.ErrorRotateThreshold,
		Notify:                 notify.NotifyCredential,
	}

	respCache := cache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	cachePath := filepath.Join(config.Dir(), "request-cache.json")
	respCache.LoadFromFile(cachePath)
	go cache.RunPersistLoop(ctx, respCache, cachePath, cachePersistInterval, func(err error) {
		logger.SysError("failed to persist request-cache.json", zap.Error(err))
	})
	reqQueue := queue.New(cfg.Queue.MaxConcurrent, cfg.Queue.MaxQueueSize, time.Duration(cfg.Queue.ItemTimeoutSeconds)*time.Second)
	limiter := ratelimit.New(time.Duration(cfg.RateLimit.MinIntervalMillis)*time.Millisecond, cfg.RateLimit.Wait)
	tokens := tokenlifecycle.NewManager(upstream.NewTokenExchanger(cfg))
	dispatcher := upstream.NewDispatcher(cfg)
	estimator := tokencount.NewTiktokenEstimator()

	reqHistory := history.LoadRequestHistory()
	costHistory := history.LoadCostHistory()

	var approver orchestrator.Approver
	if cfg.ManualApprove {
		approver = orchestrator.NewConsoleApprover()
	}

	orc := orchestrator.New(orchestrator.Deps{
		Config:         cfg,
		Models:         reg,
		Cache:          respCache,
		Queue:          reqQueue,
		Limiter:        limiter,
		Tokens:         tokens,
		PoolOpts:       poolOpts,
		Dispatcher:     dispatcher,
		ToolIDs:        dialect.NewToolIDCodec(),
		Estimator:      estimator,
		RequestHistory: reqHistory,
		CostHistory:    costHistory,
		CostCalc:       history.OverrideCalculator{History: costHistory},
		Approver:       approver,
	})

	go pool.RunQuotaSweep(ctx, poolOpts, upstream.NewQuotaFetcher(cfg), quotaSweepInterval)

	router := httpapi.NewRouter(orc, cfg, reg)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.SysError("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.SysLog("starting codeassist-proxy", zap.Int("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.SysError("server exited with error", zap.Error(err))
	}
}
