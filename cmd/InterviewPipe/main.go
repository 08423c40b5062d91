package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/InterviewPipe/internal/api"
	"github.com/BTreeMap/InterviewPipe/internal/gaps"
	"github.com/BTreeMap/InterviewPipe/internal/genai"
	"github.com/BTreeMap/InterviewPipe/internal/scheduler"
	"github.com/BTreeMap/InterviewPipe/internal/store"
	"github.com/BTreeMap/InterviewPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for InterviewPipe state data
	DefaultStateDir = "/var/lib/interviewpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "interviewpipe.db"
	// DefaultBotsFile is the default bot catalogue path
	DefaultBotsFile = "bots.yaml"
)

func main() {
	loadDotEnv()
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	if err := newRootCmd(&config).Execute(); err != nil {
		slog.Error("InterviewPipe failed", "error", err)
		os.Exit(1)
	}
}

// Config holds environment configuration. Command-line flags override it.
type Config struct {
	StateDir         string
	DatabaseURL      string
	OpenAIKey        string
	OpenAIModel      string
	GenAITimeout     time.Duration
	GenAIDebug       bool
	APIAddr          string
	AllowedOrigins   []string
	BotsFile         string
	NATSURL          string
	NATSToken        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioBotID      string
	TwilioWebhookURL string
	GapScanSchedule  string
	GapLookbackDays  int
	LogLevel         string
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// loadEnvironmentConfig reads configuration from environment variables.
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:         util.GetEnvDefault("INTERVIEWPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      util.GetEnvDefault("OPENAI_MODEL", genai.DefaultModel),
		GenAITimeout:     util.ParseDurationEnv("GENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:          util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		AllowedOrigins:   util.ParseListEnv("CORS_ALLOWED_ORIGINS"),
		BotsFile:         util.GetEnvDefault("BOTS_FILE", DefaultBotsFile),
		NATSURL:          os.Getenv("NATS_URL"),
		NATSToken:        os.Getenv("NATS_TOKEN"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioBotID:      os.Getenv("TWILIO_BOT_ID"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		GapScanSchedule:  util.GetEnvDefault("GAP_SCAN_SCHEDULE", scheduler.DefaultGapScanSchedule),
		GapLookbackDays:  util.ParseIntEnv("GAP_LOOKBACK_DAYS", gaps.DefaultLookbackDays),
		LogLevel:         util.GetEnvDefault("LOG_LEVEL", "info"),
	}

	slog.Debug("environment variables loaded",
		"INTERVIEWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"BOTS_FILE", config.BotsFile,
		"NATS_URL_SET", config.NATSURL != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_BOT_ID", config.TwilioBotID,
		"GAP_SCAN_SCHEDULE", config.GapScanSchedule)
	return config
}

// initializeLogger installs a text handler on stdout at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "interviewpipe",
		Short: "AI interview engine for customer research over HTTP and WhatsApp",
		Long: `InterviewPipe runs structured research interviews: it plans topics per
bot, drafts each question with a language model, guards the drafts against
premature closings and contact requests, and mines finished conversations
for knowledge gaps.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for InterviewPipe data (overrides $INTERVIEWPIPE_STATE_DIR)")
	flags.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "Postgres URL or SQLite path (overrides $DATABASE_URL; default <state-dir>/"+DefaultDBFileName+")")
	flags.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	flags.StringVar(&config.OpenAIModel, "openai-model", config.OpenAIModel, "model used for drafts and classifiers (overrides $OPENAI_MODEL)")
	flags.StringVar(&config.BotsFile, "bots-file", config.BotsFile, "bot catalogue YAML (overrides $BOTS_FILE)")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("log-level") {
			initializeLogger(config.LogLevel)
		}
	}

	root.AddCommand(newServeCmd(config), newDetectGapsCmd(config), newEvalTranscriptsCmd(config))
	return root
}

// databaseDSN returns the configured DSN or the SQLite file in the state directory.
func databaseDSN(config *Config) string {
	if config.DatabaseURL != "" {
		return config.DatabaseURL
	}
	return filepath.Join(config.StateDir, DefaultDBFileName)
}

// isFileDSN reports whether the DSN names a SQLite file rather than a Postgres server.
func isFileDSN(dsn string) bool {
	return !strings.Contains(dsn, "postgres://") && !strings.Contains(dsn, "postgresql://") && !strings.Contains(dsn, "host=")
}

// openStore ensures the state directory exists for file-based DSNs and opens the store.
func openStore(config *Config) (store.Store, error) {
	dsn := databaseDSN(config)
	if isFileDSN(dsn) {
		dir := filepath.Dir(dsn)
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	st, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config *Config) []genai.Option {
	var genaiOpts []genai.Option
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	if config.GenAITimeout > 0 {
		genaiOpts = append(genaiOpts, genai.WithTimeout(config.GenAITimeout))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, config.StateDir))
	}
	return genaiOpts
}

// newCompleter returns the OpenAI client, or nil when no API key is configured.
// A nil completer makes the engine answer with deterministic fallback replies.
func newCompleter(config *Config) (genai.Completer, error) {
	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if errors.Is(err, genai.ErrAPIKeyNotSet) {
		slog.Warn("No OpenAI API key configured, replies will use deterministic fallbacks")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}
