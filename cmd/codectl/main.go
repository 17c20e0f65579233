// File: cmd/codectl/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"capinha/internal/config"
	pg "capinha/internal/infra/db/postgres"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/notify"
	"capinha/internal/infra/security"
	"capinha/internal/usecase"
)

var Version = "dev"

var (
	cfgPath string
	devMode bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "codectl",
		Short:         "codectl - operator tool for capinha activation codes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "developer mode (console logs, unredacted PII)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(sellCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(reconcileCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command needs: the configuration, a pool and the use cases over it.
// Notifications and alerts only go to the log; codectl has no background dispatcher.
type env struct {
	cfg          *config.Provider
	log          *zerolog.Logger
	pool         *pgxpool.Pool
	codes        usecase.ActivationCodeUseCase
	provisioning usecase.ProvisioningUseCase
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.NewProvider(ctx, cfgPath, devMode)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Current().Log, devMode)
	pool, err := pg.Connect(ctx, cfg.Current().Database)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	codeRepo := pg.NewActivationCodeRepo(pool)
	tm := pg.NewTxManager(pool)
	notifier := notify.NewLogNotifier(logger, devMode)
	alerter := notify.NewLogAlerter(logger)

	gen := usecase.NewCodeGenerator(codeRepo, cfg, alerter, logger)
	codes := usecase.NewActivationCodeUseCase(codeRepo, gen, tm, cfg, logger)
	prov := usecase.NewProvisioningUseCase(codeRepo, pg.NewPaymentRepo(pool), pg.NewCardRepo(pool), codes, gen,
		security.NewHandoffIssuer(cfg), notifier, alerter, tm, cfg, logger)

	return &env{cfg: cfg, log: logger, pool: pool, codes: codes, provisioning: prov}, nil
}

func (e *env) Close() { e.pool.Close() }
