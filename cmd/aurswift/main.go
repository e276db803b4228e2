// Command aurswift runs the AurSwift EPOS billing back office: webhook
// ingress, license management, and the event delivery fabric terminals
// stream from.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/AurSwift/AurEposWeb-sub001/internal/api"
	"github.com/AurSwift/AurEposWeb-sub001/internal/config"
	"github.com/AurSwift/AurEposWeb-sub001/internal/event"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/logging"
	"github.com/AurSwift/AurEposWeb-sub001/internal/notify"
	"github.com/AurSwift/AurEposWeb-sub001/internal/patterns"
	"github.com/AurSwift/AurEposWeb-sub001/internal/retryengine"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/AurSwift/AurEposWeb-sub001/internal/stream"
	"github.com/AurSwift/AurEposWeb-sub001/internal/sweeps"
	"github.com/AurSwift/AurEposWeb-sub001/internal/webhook"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "aurswift",
	Short:   "AurSwift EPOS billing back office",
	Long:    `Subscription back office for AurSwift EPOS: processes payment webhooks, manages licenses and terminal activations, and streams subscription events to tills with guaranteed delivery.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aurswift %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance sweep cycle and exit",
	Long:  `Runs the trial, grace, TTL, and retry sweeps once. Useful for cron-style deployments where the long-running scheduler is not wanted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepOnce(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "aurswift",
	})

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Msg("Starting AurSwift back office")

	dbPath := cfg.DatabaseURL
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "aurswift.db")
	}
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus, err := buildBus(cfg.PubSubURL)
	if err != nil {
		return fmt.Errorf("build pub/sub bus: %w", err)
	}
	defer bus.Close()

	fabric := event.NewFabric(bus, st, cfg.EventTTL())
	signer := license.NewSigner(cfg.LicenseHMACSecret)

	licenses := license.NewService(st, fabric, signer, license.Limits{
		MaxDeactivationsPerYear: cfg.MaxDeactivationsPerYr,
		GracePaid:               cfg.GracePaid(),
		GracePastDue:            cfg.GracePastDue(),
	})

	notifier := buildNotifier(cfg.SendGridAPIKey)

	processor := webhook.NewProcessor(st, fabric, signer, notifier, cfg.WebhookSigningSecret, webhook.Limits{
		GracePaid:    cfg.GracePaid(),
		GracePastDue: cfg.GracePastDue(),
	})
	planChanger := webhook.NewPlanChanger(st, fabric, signer, cfg.StripeAPIKey, cfg.MaxTrialPlanChanges)

	retry := retryengine.New(st, fabric, cfg.MaxRetryAttempts)
	analyzer := patterns.New(st)
	streamEnd := stream.NewEndpoint(st, fabric, licenses)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := sweeps.New(st, fabric, notifier, retry, cfg.GracePaid())
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Sweeper stopped")
		}
	}()

	router := api.NewRouter(st, licenses, processor, planChanger, streamEnd, retry, analyzer, Version)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	log.Info().Msg("Server stopped")
	return nil
}

func runSweepOnce(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "aurswift-sweep",
	})

	dbPath := cfg.DatabaseURL
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "aurswift.db")
	}
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus, err := buildBus(cfg.PubSubURL)
	if err != nil {
		return fmt.Errorf("build pub/sub bus: %w", err)
	}
	defer bus.Close()

	fabric := event.NewFabric(bus, st, cfg.EventTTL())
	retry := retryengine.New(st, fabric, cfg.MaxRetryAttempts)
	sweeper := sweeps.New(st, fabric, buildNotifier(cfg.SendGridAPIKey), retry, cfg.GracePaid())

	trial, err := sweeper.TrialSweep(ctx)
	if err != nil {
		return fmt.Errorf("trial sweep: %w", err)
	}
	grace, err := sweeper.GraceSweep(ctx)
	if err != nil {
		return fmt.Errorf("grace sweep: %w", err)
	}
	deleted, err := sweeper.TTLSweep(ctx)
	if err != nil {
		return fmt.Errorf("ttl sweep: %w", err)
	}
	stats, err := retry.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("retry cycle: %w", err)
	}

	log.Info().
		Int("trials_warned", trial.Warned).
		Int("trials_cancelled", trial.Cancelled).
		Int("grace_disabled", grace.Disabled).
		Int64("events_deleted", deleted).
		Int("retries_republished", stats.Republished).
		Int("dead_letters", stats.DeadLetters).
		Msg("Sweep cycle completed")
	return nil
}

// buildBus selects the cross-instance transport. Without a PUBSUB_URL the
// in-process broadcaster serves single-instance deployments.
func buildBus(url string) (event.Bus, error) {
	if url == "" {
		log.Info().Msg("No PUBSUB_URL set; using in-process event bus")
		return event.NewMemoryBus(), nil
	}
	return event.NewRedisBus(url, event.NewMemoryBus())
}

func buildNotifier(apiKey string) notify.Notifier {
	if apiKey == "" {
		log.Info().Msg("No SENDGRID_API_KEY set; customer notifications are log-only")
		return notify.LogNotifier{}
	}
	fromName := envOr("SENDGRID_FROM_NAME", "AurSwift EPOS")
	fromAddr := envOr("SENDGRID_FROM_EMAIL", "billing@aurswift.co.uk")
	return notify.NewSendGrid(apiKey, fromName, fromAddr)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
