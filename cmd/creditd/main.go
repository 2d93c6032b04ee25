package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/config"
	"github.com/MarkoPoloResearchLab/creditledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/creditledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditledger/internal/scheduler"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL        = "database-url"
	flagStore              = "store"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagAdminRole          = "admin-role"
	flagRequestTimeout     = "request-timeout"
	flagSweepSchedule      = "sweep-schedule"
	flagEquipmentCreditCap = "equipment-credit-cap"
	envPrefix              = "CREDITD"
	stopTimeout            = 10 * time.Second
)

var configFlags = []string{
	flagDatabaseURL,
	flagStore,
	flagListenAddr,
	flagAllowedOrigins,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
	flagAdminRole,
	flagRequestTimeout,
	flagSweepSchedule,
	flagEquipmentCreditCap,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Membership credit ledger and allocator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "sqlite:///tmp/creditledger.db", "database url (postgres://... or sqlite://path)")
	flags.String(flagStore, config.StoreGorm, "store implementation: gorm or pgx")
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagAllowedOrigins, "http://localhost:8000", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required for serve)")
	flags.String(flagJWTIssuer, "tauth", "expected JWT issuer")
	flags.String(flagJWTCookieName, "app_session", "JWT cookie name")
	flags.String(flagAdminRole, "admin", "session role allowed to call admin endpoints")
	flags.Duration(flagRequestTimeout, 5*time.Second, "per-request database timeout")
	flags.String(flagSweepSchedule, scheduler.DefaultSchedule, "cron schedule for the allocation sweep (empty disables)")
	flags.Int64(flagEquipmentCreditCap, credits.DefaultEquipmentCreditCap, "maximum equipment credit balance after an allocation")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and run scheduled sweeps",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServeCommand(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Process due allocation schedules once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSweepCommand(cmd, cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrateCommand(cmd, cfg)
			},
		},
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.Store = strings.TrimSpace(v.GetString(flagStore))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.SweepSchedule = strings.TrimSpace(v.GetString(flagSweepSchedule))
	cfg.EquipmentCreditCap = v.GetInt64(flagEquipmentCreditCap)

	return cfg.Validate()
}

func runServeCommand(cmd *cobra.Command, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return withRuntime(ctx, cfg, func(ctx context.Context, runtime *serviceRuntime) error {
		if cfg.SweepSchedule != "" {
			runtime.sweeps.Start()
			runtime.logger.Info("allocation sweep scheduled", zap.String("schedule", cfg.SweepSchedule))
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := runtime.sweeps.Stop(stopCtx); err != nil {
					runtime.logger.Warn("sweep stop timed out", zap.Error(err))
				}
			}()
		}
		return httpapi.Run(ctx, *cfg, httpapi.Dependencies{
			Service: runtime.service,
			Sweeper: runtime.sweeps,
			Logger:  runtime.logger,
			Metrics: runtime.metrics,
		})
	})
}

func runSweepCommand(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return withRuntime(ctx, cfg, func(ctx context.Context, runtime *serviceRuntime) error {
		result, err := runtime.sweeps.RunOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "due=%d processed=%d failed=%d\n", result.Due, result.Processed, result.Failed())
		return err
	})
}

func runMigrateCommand(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := migrateDatabase(cmd.Context(), cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info("schema up to date", zap.String("store", cfg.Store))
	return nil
}

type serviceRuntime struct {
	logger  *zap.Logger
	service *credits.Service
	metrics *metrics.Metrics
	sweeps  *scheduler.Scheduler
}

func withRuntime(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, runtime *serviceRuntime) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() {
		if closeErr := cleanup(); closeErr != nil {
			logger.Warn("database close error", zap.Error(closeErr))
		}
	}()

	registry := metrics.New()
	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []credits.ServiceOption{
		credits.WithOperationLogger(oplog.New(logger)),
		credits.WithOperationLogger(registry),
	}
	for _, policy := range credits.DefaultCreditPolicies(cfg.EquipmentCreditCap) {
		options = append(options, credits.WithCreditPolicy(policy))
	}
	service, err := credits.NewService(store, clock, options...)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	sweeps, err := scheduler.New(service, cfg.SweepSchedule,
		scheduler.WithLogger(logger.Named("sweep")),
		scheduler.WithRecorder(registry),
	)
	if err != nil {
		return err
	}

	return fn(ctx, &serviceRuntime{
		logger:  logger,
		service: service,
		metrics: registry,
		sweeps:  sweeps,
	})
}
