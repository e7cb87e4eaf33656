package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"statsfutbol.app/cloud/handlers"
	"statsfutbol.app/cloud/internal/activation"
	"statsfutbol.app/cloud/internal/billing"
	"statsfutbol.app/cloud/internal/checkout"
	"statsfutbol.app/cloud/internal/config"
	"statsfutbol.app/cloud/internal/email"
	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/internal/ratelimit"
	"statsfutbol.app/cloud/internal/resolver"
	"statsfutbol.app/cloud/storage"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:           "statsfutbol-cloud",
	Short:         "Stats Fútbol licensing and billing service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if versionBytes, err := os.ReadFile("VERSION"); err == nil {
			version = strings.TrimSpace(string(versionBytes))
		}
		_ = godotenv.Load()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "statsfutbol-cloud %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(codesCmd)
	rootCmd.AddCommand(licensesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// openStore opens the configured store and syncs the plan catalog into it.
func openStore(ctx context.Context, cfg *config.Config) (*storage.SQLStorage, error) {
	store, err := storage.Open(cfg.DatabaseURL, cfg.DatabaseServiceKey)
	if err != nil {
		return nil, err
	}
	if err := store.SyncPlans(ctx, cfg.Plans); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("sync plans: %w", err)
	}
	return store, nil
}

func newSender(cfg *config.Config) (email.Sender, error) {
	if !cfg.SMTPEnabled() {
		logger.Warn("SMTP not configured, license codes will only be logged")
		return email.LogSender{}, nil
	}
	return email.NewSMTPSender(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	})
}

func newRateLimiter(ctx context.Context, cfg *config.Config) ratelimit.Limiter {
	if cfg.RedisURL == "" {
		return ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	limiter, err := ratelimit.NewRedisFromURL(ctx, cfg.RedisURL, cfg.RateLimitMax, cfg.RateLimitWindow)
	if err != nil {
		logger.Warn("Redis unavailable, using in-process rate limiting", map[string]interface{}{
			"error": err.Error(),
		})
		return ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	return limiter
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireBilling(); err != nil {
		return err
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sender, err := newSender(cfg)
	if err != nil {
		return err
	}

	activator := activation.New(store)
	reconciler := billing.NewReconciler(store, cfg.StripeWebhookSecret,
		billing.WithCodeIssuer(activator),
		billing.WithSender(sender, cfg.EmailFrom),
		billing.WithDefaultPlan(cfg.DefaultPlanID),
	)

	server := handlers.NewHttpServer(handlers.Dependencies{
		Storage:        store,
		Reconciler:     reconciler,
		Checkout:       checkout.New(store, cfg.StripeSecret, checkout.WithTimeout(cfg.StripeTimeout)),
		Activator:      activator,
		Resolver:       resolver.New(store, resolver.WithGracePeriodAccess(cfg.GracePeriodAccess)),
		RateLimiter:    newRateLimiter(ctx, cfg),
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Stats Fútbol Cloud API starting", map[string]interface{}{
			"version": version,
			"port":    cfg.Port,
			"dialect": store.Dialect().String(),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
