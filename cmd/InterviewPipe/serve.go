package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/InterviewPipe/internal/api"
	"github.com/BTreeMap/InterviewPipe/internal/config"
	"github.com/BTreeMap/InterviewPipe/internal/events"
	"github.com/BTreeMap/InterviewPipe/internal/gaps"
	"github.com/BTreeMap/InterviewPipe/internal/interview"
	"github.com/BTreeMap/InterviewPipe/internal/lockfile"
	"github.com/BTreeMap/InterviewPipe/internal/messaging"
	"github.com/BTreeMap/InterviewPipe/internal/scheduler"
	"github.com/BTreeMap/InterviewPipe/internal/store"
)

const gapScanJob = "knowledge-gap-scan"

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the Twilio webhook and the knowledge gap scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	cmd.Flags().StringVar(&cfg.GapScanSchedule, "gap-scan-schedule", cfg.GapScanSchedule, "cron schedule of the knowledge gap scan, empty to disable (overrides $GAP_SCAN_SCHEDULE)")
	cmd.Flags().IntVar(&cfg.GapLookbackDays, "gap-lookback-days", cfg.GapLookbackDays, "days of conversations each scheduled scan covers (overrides $GAP_LOOKBACK_DAYS)")
	cmd.Flags().StringSliceVar(&cfg.AllowedOrigins, "cors-origin", cfg.AllowedOrigins, "origin allowed to call the API from a browser, repeatable (overrides $CORS_ALLOWED_ORIGINS)")
	cmd.Flags().StringVar(&cfg.TwilioBotID, "twilio-bot", cfg.TwilioBotID, "bot that new WhatsApp senders are interviewed by (overrides $TWILIO_BOT_ID)")
	return cmd
}

func runServe(ctx context.Context, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dsn := databaseDSN(cfg); isFileDSN(dsn) {
		lock, err := lockfile.Acquire(filepath.Dir(dsn))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedBots(st, cfg.BotsFile); err != nil {
		return err
	}

	completer, err := newCompleter(cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	engineOpts := []interview.Option{interview.WithPublisher(publisher), interview.WithDraftTimeout(cfg.GenAITimeout)}
	sender, err := buildSender(cfg)
	if err != nil {
		return err
	}
	if sender != nil {
		engineOpts = append(engineOpts, interview.WithSender(sender))
	}
	engine := interview.NewEngine(st, completer, engineOpts...)

	var detector *gaps.Detector
	if completer != nil {
		detector = gaps.NewDetector(st, completer, gaps.WithPublisher(publisher))
	}

	sched := scheduler.NewScheduler()
	if detector != nil && cfg.GapScanSchedule != "" {
		if _, err := gaps.ValidateLookback(cfg.GapLookbackDays); err != nil {
			return err
		}
		days := cfg.GapLookbackDays
		if err := sched.AddJob(gapScanJob, cfg.GapScanSchedule, func(ctx context.Context) error {
			_, err := detector.RunAll(ctx, days)
			return err
		}); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("Knowledge gap scan scheduled", "schedule", cfg.GapScanSchedule, "lookbackDays", days)
	}

	server := api.NewServer(engine, st, detector, buildAPIOptions(cfg)...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	slog.Info("InterviewPipe exited successfully")
	return nil
}

// seedBots upserts the catalogue into the store. A missing catalogue is not an error.
func seedBots(st store.Store, path string) error {
	bots, err := config.LoadIfExists(path)
	if err != nil {
		return err
	}
	for _, b := range bots {
		if err := st.SaveBot(b); err != nil {
			return fmt.Errorf("failed to save bot %s: %w", b.ID, err)
		}
	}
	slog.Info("Bot catalogue loaded", "path", path, "bots", len(bots))
	return nil
}

// buildPublisher connects to NATS when NATS_URL is set and falls back to a no-op publisher.
func buildPublisher(cfg *Config) (events.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		return events.NopPublisher{}, func() {}, nil
	}
	p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSToken)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// buildSender returns the Twilio sender when credentials are configured.
func buildSender(cfg *Config) (messaging.Sender, error) {
	if cfg.TwilioAccountSID == "" && cfg.TwilioAuthToken == "" {
		slog.Debug("No Twilio credentials configured, WhatsApp delivery disabled")
		return nil, nil
	}
	s, err := messaging.NewTwilioSender(
		messaging.WithAccountSID(cfg.TwilioAccountSID),
		messaging.WithAuthToken(cfg.TwilioAuthToken),
		messaging.WithFromNumber(cfg.TwilioFromNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio sender: %w", err)
	}
	return s, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg *Config) []api.Option {
	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	if len(cfg.AllowedOrigins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(cfg.AllowedOrigins...))
	}
	if cfg.TwilioBotID != "" {
		apiOpts = append(apiOpts, api.WithDefaultBot(cfg.TwilioBotID))
	}
	if cfg.TwilioAuthToken != "" && cfg.TwilioWebhookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
	}
	return apiOpts
}
