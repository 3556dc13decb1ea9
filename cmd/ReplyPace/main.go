package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MailLoop/ReplyPace/internal/api"
	"github.com/MailLoop/ReplyPace/internal/classify"
	"github.com/MailLoop/ReplyPace/internal/lockfile"
	"github.com/MailLoop/ReplyPace/internal/mailer"
	"github.com/MailLoop/ReplyPace/internal/models"
	"github.com/MailLoop/ReplyPace/internal/scheduler"
	"github.com/MailLoop/ReplyPace/internal/store"
	"github.com/MailLoop/ReplyPace/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplyPace state data
	DefaultStateDir = "/var/lib/replypace"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "replypace.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Build module options
	storeOpts := buildStoreOptions(flags)
	classifyOpts := buildClassifyOptions(flags)
	mailerOpts := buildMailerOptions(flags)
	schedOpts := buildSchedulerOptions(config)
	apiOpts := buildAPIOptions(flags)

	// A second instance polling the same state directory would double-fire
	// actions; refuse to start if one is already running.
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ReplyPace with configured modules")
	slog.Debug("Module options counts",
		"store", len(storeOpts), "classify", len(classifyOpts),
		"mailer", len(mailerOpts), "scheduler", len(schedOpts), "api", len(apiOpts))
	if err := api.Run(ctx, *flags.dbDSN, storeOpts, classifyOpts, mailerOpts, schedOpts, apiOpts); err != nil {
		slog.Error("ReplyPace failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplyPace exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	OpenAIModel     string
	APIAddr         string
	FromEmail       string
	AWSRegion       string
	PollInterval    time.Duration
	FollowUpDelay   time.Duration
	Retention       time.Duration
	StaleThreshold  time.Duration
	MaxAttempts     int
	ClaimLimit      int
	WorkerPoolSize  int
	ClassifyRetries int
	ClassifyBackoff time.Duration
	Timezone        string
	WorkdayStart    int
	WorkdayEnd      int
	MinReplyDelay   int
	MaxReplyDelay   int
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	openaiModel *string
	apiAddr     *string
	fromEmail   *string
	awsRegion   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("REPLYPACE_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		APIAddr:         os.Getenv("API_ADDR"),
		FromEmail:       os.Getenv("SES_FROM_EMAIL"),
		AWSRegion:       os.Getenv("AWS_REGION"),
		PollInterval:    util.ParseDurationEnv("REPLYPACE_POLL_INTERVAL", scheduler.DefaultPollInterval),
		FollowUpDelay:   util.ParseDurationEnv("REPLYPACE_FOLLOWUP_DELAY", scheduler.DefaultFollowUpDelay),
		Retention:       util.ParseDurationEnv("REPLYPACE_RETENTION", scheduler.DefaultRetention),
		StaleThreshold:  util.ParseDurationEnv("REPLYPACE_STALE_THRESHOLD", scheduler.DefaultStaleThreshold),
		MaxAttempts:     util.ParseIntEnv("REPLYPACE_MAX_ATTEMPTS", store.DefaultMaxAttempts),
		ClaimLimit:      util.ParseIntEnv("REPLYPACE_CLAIM_LIMIT", scheduler.DefaultClaimLimit),
		WorkerPoolSize:  util.ParseIntEnv("REPLYPACE_WORKER_POOL_SIZE", scheduler.DefaultWorkerPoolSize),
		ClassifyRetries: util.ParseIntEnv("REPLYPACE_CLASSIFY_ATTEMPTS", scheduler.DefaultClassifyAttempts),
		ClassifyBackoff: util.ParseDurationEnv("REPLYPACE_CLASSIFY_BACKOFF", scheduler.DefaultClassifyBackoff),
		Timezone:        os.Getenv("REPLYPACE_TIMEZONE"),
		WorkdayStart:    util.ParseIntEnv("REPLYPACE_WORKDAY_START_MINUTE", 0),
		WorkdayEnd:      util.ParseIntEnv("REPLYPACE_WORKDAY_END_MINUTE", 0),
		MinReplyDelay:   util.ParseIntEnv("REPLYPACE_MIN_REPLY_DELAY_MINUTES", 0),
		MaxReplyDelay:   util.ParseIntEnv("REPLYPACE_MAX_REPLY_DELAY_MINUTES", 0),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPLYPACE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REPLYPACE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"SES_FROM_EMAIL_SET", config.FromEmail != "",
		"AWS_REGION", config.AWSRegion,
		"poll_interval", config.PollInterval,
		"followup_delay", config.FollowUpDelay)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for ReplyPace data (overrides $REPLYPACE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI model for urgency classification (overrides $OPENAI_MODEL)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		fromEmail:   flag.String("from-email", config.FromEmail, "sender address for outbound mail (overrides $SES_FROM_EMAIL)"),
		awsRegion:   flag.String("aws-region", config.AWSRegion, "AWS region for SES (overrides $AWS_REGION)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"fromEmailSet", *flags.fromEmail != "",
		"awsRegion", *flags.awsRegion)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildClassifyOptions constructs classifier configuration options
func buildClassifyOptions(flags Flags) []classify.Option {
	var classifyOpts []classify.Option
	if *flags.openaiKey != "" {
		classifyOpts = append(classifyOpts, classify.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		classifyOpts = append(classifyOpts, classify.WithModel(*flags.openaiModel))
	}
	return classifyOpts
}

// buildMailerOptions constructs mail executor configuration options
func buildMailerOptions(flags Flags) []mailer.Option {
	var mailerOpts []mailer.Option
	if *flags.fromEmail != "" {
		mailerOpts = append(mailerOpts, mailer.WithFromEmail(*flags.fromEmail))
	}
	if *flags.awsRegion != "" {
		mailerOpts = append(mailerOpts, mailer.WithRegion(*flags.awsRegion))
	}
	return mailerOpts
}

// buildSchedulerOptions constructs scheduler configuration options
func buildSchedulerOptions(config Config) []scheduler.Option {
	opts := []scheduler.Option{
		scheduler.WithPollInterval(config.PollInterval),
		scheduler.WithFollowUpDelay(config.FollowUpDelay),
		scheduler.WithRetention(config.Retention),
		scheduler.WithStaleThreshold(config.StaleThreshold),
		scheduler.WithMaxAttempts(config.MaxAttempts),
		scheduler.WithClaimLimit(config.ClaimLimit),
		scheduler.WithWorkerPoolSize(config.WorkerPoolSize),
		scheduler.WithClassifyRetry(config.ClassifyRetries, config.ClassifyBackoff),
	}
	if provider, ok := buildSubjectConfig(config); ok {
		opts = append(opts, scheduler.WithConfigProvider(provider))
	}
	return opts
}

// buildSubjectConfig assembles the working-hours and delay-override
// configuration. Returns ok=false when no knob deviates from the
// defaults, so the scheduler keeps its built-in configuration.
func buildSubjectConfig(config Config) (scheduler.StaticConfig, bool) {
	hours := models.DefaultWorkingHours()
	customized := false
	if config.Timezone != "" {
		hours.Timezone = config.Timezone
		customized = true
	}
	if config.WorkdayStart > 0 {
		hours.StartMinute = config.WorkdayStart
		customized = true
	}
	if config.WorkdayEnd > 0 {
		hours.EndMinute = config.WorkdayEnd
		customized = true
	}
	if err := hours.Validate(); err != nil {
		slog.Warn("Invalid working-hours configuration, using defaults", "error", err)
		hours = models.DefaultWorkingHours()
		customized = config.MinReplyDelay > 0 || config.MaxReplyDelay > 0
	}

	overrides := models.DelayOverrides{
		MinReplyDelayMinutes: config.MinReplyDelay,
		MaxReplyDelayMinutes: config.MaxReplyDelay,
	}
	if config.MinReplyDelay > 0 || config.MaxReplyDelay > 0 {
		customized = true
	}

	return scheduler.StaticConfig{Hours: hours, Overrides: overrides}, customized
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
