// Package main запускает HTTP-сервер магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/canvango/canvango-group-sub006/internal/config"
	"github.com/canvango/canvango-group-sub006/internal/handler"
	"github.com/canvango/canvango-group-sub006/internal/middleware"
	"github.com/canvango/canvango-group-sub006/internal/repository"
	"github.com/canvango/canvango-group-sub006/internal/service"
	"github.com/canvango/canvango-group-sub006/internal/topup"
	"github.com/canvango/canvango-group-sub006/internal/traces"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
	"github.com/canvango/canvango-group-sub006/internal/validation"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		sugar.Fatalw("tracing initialization error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		repo = repository.NewMemoryRepository()
	}

	gateway := tripay.NewClient(tripay.Config{
		BaseURL:      cfg.TripayBaseURL,
		APIKey:       cfg.TripayAPIKey,
		PrivateKey:   cfg.TripayPrivateKey,
		MerchantCode: cfg.TripayMerchantCode,
		Timeout:      cfg.GatewayTimeout,
	})

	svc := service.NewService(repo, gateway, service.Config{
		MaxQuantity: cfg.MaxQuantity,
		TopUp: topup.Config{
			CallbackURL:    cfg.CallbackURL,
			ReturnURL:      cfg.ReturnURL,
			Limits:         validation.Limits{Min: cfg.MinTopUp, Max: cfg.MaxTopUp},
			DefaultExpiry:  cfg.DefaultExpiry,
			GatewayTimeout: cfg.GatewayTimeout,
		},
		Sync: topup.SyncConfig{
			Interval: cfg.SyncInterval,
			Grace:    cfg.SyncGrace,
			Batch:    cfg.SyncBatch,
		},
	}, logger)
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, buyer cookies will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.AdminToken)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка пополнений, по которым не пришёл callback
	if cfg.TripayBaseURL != "" {
		g.Go(func() error {
			return svc.RunPendingSync(ctx)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting market server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			sugar.Warnw("tracer shutdown error", "error", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
