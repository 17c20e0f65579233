// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/infra/api"
	pg "capinha/internal/infra/db/postgres"
	"capinha/internal/infra/i18n"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
	"capinha/internal/infra/notify"
	red "capinha/internal/infra/redis"
	"capinha/internal/infra/sched"
	"capinha/internal/infra/security"
	"capinha/internal/infra/worker"
	"capinha/internal/usecase"
)

// Set through -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, unredacted PII)")
	flag.Parse()

	if err := run(*cfgPath, *devMode); err != nil {
		fmt.Fprintf(os.Stderr, "capinha: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, dev bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := config.NewProvider(ctx, cfgPath, dev)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg := provider.Current()
	logger := logging.New(cfg.Log, dev)
	if dev {
		logger.Warn().Msg("[DEV MODE] enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	go reportPoolStats(ctx, pool)

	// ---- Redis (optional) ----
	var (
		limiter api.RateLimiter
		locker  red.Locker
	)
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
		limiter = red.NewRateLimiter(redisClient)
		locker = red.NewLocker(redisClient)
	} else {
		logger.Warn().Msg("redis.url not set; redemption rate limiting and reconcile lease disabled")
	}

	// ---- Repositories ----
	codeRepo := pg.NewActivationCodeRepo(pool)
	paymentRepo := pg.NewPaymentRepo(pool)
	cardRepo := pg.NewCardRepo(pool)
	eventRepo := pg.NewWebhookEventRepo(pool)
	tm := pg.NewTxManager(pool)

	// ---- Notifications & alerts ----
	var notifier adapter.Notifier = notify.NewLogNotifier(logger, dev)
	if cfg.Notify.AMQPURL != "" {
		tr, err := i18n.Load(cfg.Notify.Locale)
		if err != nil {
			return fmt.Errorf("notification locale: %w", err)
		}
		pub, err := notify.NewAMQPNotifier(cfg.Notify.AMQPURL, cfg.Notify.Exchange, notify.NewRenderer(tr, provider), logger)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer pub.Close()
		notifier = notify.NewBreakerNotifier("amqp", pub, cfg.Notify.Breaker, logger)
	}
	var alerter adapter.Alerter = notify.NewLogAlerter(logger)
	if cfg.Alerts.Telegram.Token != "" {
		tg, err := notify.NewTelegramAlerter(cfg.Alerts.Telegram, logger)
		if err != nil {
			return fmt.Errorf("telegram alerts: %w", err)
		}
		alerter = tg
	}

	jobs := worker.NewPool(cfg.Notify.Workers, cfg.Notify.QueueSize, logger)
	jobs.Start(ctx)
	defer jobs.Stop()
	dispatcher := notify.NewDispatcher(jobs, notifier, alerter, notify.DispatcherOptions{
		RatePerSec: cfg.Notify.RatePerSec,
		Timeout:    cfg.Notify.Timeout,
	}, logger)

	// ---- Use cases ----
	handoff := security.NewHandoffIssuer(provider)
	gen := usecase.NewCodeGenerator(codeRepo, provider, dispatcher, logger)
	codeUC := usecase.NewActivationCodeUseCase(codeRepo, gen, tm, provider, logger)
	provisioningUC := usecase.NewProvisioningUseCase(codeRepo, paymentRepo, cardRepo, codeUC, gen, handoff, dispatcher, dispatcher, tm, provider, logger)
	paymentUC := usecase.NewPaymentUseCase(paymentRepo, provisioningUC, dispatcher, tm, provider, logger)
	webhookUC := usecase.NewWebhookUseCase(eventRepo, paymentRepo, paymentUC, dispatcher, provider, logger)

	// ---- Reconciliation ----
	reconciler := sched.NewReconciler(provisioningUC, provider, locker, logger)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// ---- HTTP ----
	srv := api.NewServer(api.Deps{
		Codes:        codeUC,
		Payments:     paymentUC,
		Provisioning: provisioningUC,
		Webhooks:     webhookUC,
		Verifier:     security.NewWebhookVerifier(provider),
		Handoff:      handoff,
		Limiter:      limiter,
		Health:       pool.Ping,
		Config:       provider,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("version", version).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ---- Signals: SIGHUP reloads, SIGINT/SIGTERM shut down ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case sig := <-sigc:
			if sig == syscall.SIGHUP {
				reload(ctx, provider, logger)
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			err := server.Shutdown(shutdownCtx)
			stop()
			if err != nil {
				logger.Error().Err(err).Msg("http shutdown")
			}
			return nil
		}
	}
}

func reload(ctx context.Context, provider *config.Provider, logger *zerolog.Logger) {
	if _, err := provider.Reload(ctx); err != nil {
		logger.Error().Err(err).Msg("config reload rejected; keeping previous configuration")
		return
	}
	logger.Info().Msg("config reloaded")
}

func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := pool.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}
