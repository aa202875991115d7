package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lifelink/alertcore/internal/api"
	"github.com/lifelink/alertcore/internal/backend"
	"github.com/lifelink/alertcore/internal/bridge"
	"github.com/lifelink/alertcore/internal/config"
	"github.com/lifelink/alertcore/internal/metrics"
	"github.com/lifelink/alertcore/internal/processor"
	"github.com/lifelink/alertcore/internal/queue"
	"github.com/lifelink/alertcore/internal/repository"
	"github.com/lifelink/alertcore/internal/session"
	"github.com/lifelink/alertcore/internal/store"
)

func main() {
	configPath := flag.String("config", "alertd.yaml", "path to config file")
	flag.Parse()

	// ---- configuration ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	// ---- durable store ----
	st, err := store.Open(cfg.Store.Path, cfg.Store.BusyTimeout)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("store migrations applied", zap.String("path", cfg.Store.Path))

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	q := queue.New()
	queueRepo := repository.NewSQLiteQueueRepository(st)
	sessionRepo := repository.NewSQLiteSessionRepository(st)

	br, err := bridge.Dial(cfg.Bridge.SocketPath, logger)
	if err != nil {
		logger.Fatal("failed to connect to background agent",
			zap.String("socket", cfg.Bridge.SocketPath), zap.Error(err))
	}
	defer br.Close()

	// ---- session manager ----
	onSync, onConflict := m.SyncHooks()
	sess := session.New(session.Config{
		UserID:             cfg.Session.UserID,
		DeviceID:           cfg.Session.DeviceID,
		SyncInterval:       cfg.Session.SyncInterval,
		BroadcastDir:       cfg.Session.BroadcastDir,
		BroadcastTTL:       cfg.Session.BroadcastTTL,
		LongPauseThreshold: cfg.Session.LongPauseThreshold,
	}, sessionRepo, nil, logger, session.Hooks{OnSync: onSync, OnConflict: onConflict})

	// The backend credential lives in the session map under "authToken",
	// put there by the surrounding application after login.
	client := backend.NewClient(
		cfg.Backend.BaseURL,
		cfg.Backend.Timeout,
		cfg.Backend.AnalyticsRateLimit,
		func() string { return sess.GetString("authToken") },
		logger,
	)
	sess.SetClient(client)

	// ---- processor ----
	onDelivered, onRetried, onDeadLettered := m.DeliveryHooks()
	proc := processor.New(processor.Config{
		BaseDelay:              cfg.Delivery.BaseDelay,
		MaxDelay:               cfg.Delivery.MaxDelay,
		MaxRetries:             cfg.Delivery.MaxRetries,
		AckTimeout:             cfg.Delivery.AckTimeout,
		YieldDelay:             cfg.Delivery.YieldDelay,
		RetrySweepInterval:     cfg.Delivery.RetrySweepInterval,
		RetentionSweepInterval: cfg.Delivery.RetentionSweepInterval,
		FailedRetention:        cfg.Delivery.FailedRetention,
	}, queueRepo, q, br, client, logger, processor.Hooks{
		OnDelivered:    onDelivered,
		OnRetried:      onRetried,
		OnDeadLettered: onDeadLettered,
		OnBadge:        m.BadgeHook(),
	})

	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sess.Start(runCtx); err != nil {
		logger.Fatal("failed to start session manager", zap.Error(err))
	}
	if err := proc.Start(runCtx); err != nil {
		logger.Fatal("failed to start processor", zap.Error(err))
	}

	// queue depth gauges, sampled
	go sampleQueueDepth(runCtx, q, m)

	// ---- HTTP server ----
	router := api.NewRouter(proc, q, sess, reg, logger)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("admin server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("admin server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}

	// 2. Push any pending session changes while the network is still up.
	if err := sess.Flush(shutdownCtx); err != nil {
		logger.Warn("final session flush failed", zap.Error(err))
	}

	// 3. Stop the background components; both join their goroutines.
	proc.Stop()
	sess.Stop()
	cancel()

	logger.Info("alertd stopped cleanly")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func sampleQueueDepth(ctx context.Context, q *queue.PriorityQueue, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			critical, urgent, high, normal := q.Depths()
			m.QueueDepth.WithLabelValues("critical").Set(float64(critical))
			m.QueueDepth.WithLabelValues("urgent").Set(float64(urgent))
			m.QueueDepth.WithLabelValues("high").Set(float64(high))
			m.QueueDepth.WithLabelValues("normal").Set(float64(normal))
		}
	}
}
