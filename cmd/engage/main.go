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

	"github.com/practiceos/engage/internal/api"
	"github.com/practiceos/engage/internal/approval"
	"github.com/practiceos/engage/internal/dispatch"
	"github.com/practiceos/engage/internal/drafting"
	"github.com/practiceos/engage/internal/eligibility"
	"github.com/practiceos/engage/internal/engine"
	"github.com/practiceos/engage/internal/enrollment"
	"github.com/practiceos/engage/internal/genai"
	"github.com/practiceos/engage/internal/models"
	"github.com/practiceos/engage/internal/scheduler"
	"github.com/practiceos/engage/internal/sequence"
	"github.com/practiceos/engage/internal/store"
	"github.com/practiceos/engage/internal/twiliosms"
	"github.com/practiceos/engage/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for engine state data
	DefaultStateDir = "/var/lib/engage"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "engage.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	st, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eng, gate := buildEngine(st, config, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *flags.selfCron != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := sched.AddJob(*flags.selfCron, func() {
			if _, err := eng.Run(ctx); err != nil {
				slog.Error("Scheduled run failed", "error", err)
			}
		}); err != nil {
			slog.Error("Failed to schedule self-trigger", "cron", *flags.selfCron, "error", err)
			os.Exit(1)
		}
		slog.Info("Self-trigger scheduled", "cron", *flags.selfCron)
	}

	server := api.NewServer(eng, gate, st,
		api.WithAddr(*flags.apiAddr),
		api.WithSecret(*flags.cronSecret),
	)
	slog.Info("Bootstrapping engagement engine", "api_addr", *flags.apiAddr, "dsn_type", store.DetectDSNType(*flags.dbDSN))
	if err := server.Start(ctx); err != nil {
		slog.Error("Engagement engine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Engagement engine exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	CronSecret   string
	OpenAIKey    string
	APIAddr      string
	SelfCron     string
	PracticeName string

	RecallDays    int
	TreatmentDays int
	MissedDays    int
	LapsedDays    int
	NewLeadDays   int
	ExpiryHours   int
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	cronSecret   *string
	openaiKey    *string
	apiAddr      *string
	selfCron     *string
	practiceName *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("ENGAGE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("ENGAGE_STATE_DIR"),
		CronSecret:   os.Getenv("ENGAGE_CRON_SECRET"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		APIAddr:      os.Getenv("API_ADDR"),
		SelfCron:     os.Getenv("ENGAGE_SELF_CRON"),
		PracticeName: os.Getenv("ENGAGE_PRACTICE_NAME"),

		// Zero disables the category.
		RecallDays:    util.ParseIntEnv("ENGAGE_RECALL_DAYS", 0),
		TreatmentDays: util.ParseIntEnv("ENGAGE_TREATMENT_DAYS", 0),
		MissedDays:    util.ParseIntEnv("ENGAGE_MISSED_DAYS", 0),
		LapsedDays:    util.ParseIntEnv("ENGAGE_LAPSED_DAYS", 0),
		NewLeadDays:   util.ParseIntEnv("ENGAGE_NEW_LEAD_DAYS", 0),
		ExpiryHours:   util.ParseIntEnv("ENGAGE_APPROVAL_EXPIRY_HOURS", int(approval.DefaultExpiry/time.Hour)),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ENGAGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ENGAGE_STATE_DIR", config.StateDir,
		"ENGAGE_CRON_SECRET_SET", config.CronSecret != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"ENGAGE_SELF_CRON", config.SelfCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for engine data (overrides $ENGAGE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		cronSecret:   flag.String("cron-secret", config.CronSecret, "shared secret for the trigger endpoint (overrides $ENGAGE_CRON_SECRET)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		selfCron:     flag.String("self-cron", config.SelfCron, "cron expression for self-triggered runs (overrides $ENGAGE_SELF_CRON)"),
		practiceName: flag.String("practice-name", config.PracticeName, "practice name used in message templates (overrides $ENGAGE_PRACTICE_NAME)"),
	}

	flag.Parse()

	// Follow a moved state directory when the DSN was derived from the default.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// openStore opens the SQL store matching the DSN type.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN", "dsn_set", true)
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildEngine wires the pipeline components from configuration.
func buildEngine(st store.Store, config Config, flags Flags) (*engine.Engine, *approval.Gate) {
	registry := sequence.NewBuiltinRegistry()

	draftOpts := []drafting.Option{}
	if *flags.practiceName != "" {
		draftOpts = append(draftOpts, drafting.WithPracticeName(*flags.practiceName))
	}
	if *flags.openaiKey != "" {
		gen, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Error("Failed to initialize OpenAI client, continuing without generation", "error", err)
		} else {
			draftOpts = append(draftOpts, drafting.WithGenerator(gen))
		}
	} else {
		slog.Info("No OpenAI API key set; drafting uses templates only")
	}

	dispatchOpts := []dispatch.Option{}
	if os.Getenv("TWILIO_ACCOUNT_SID") != "" {
		sms, err := twiliosms.NewClient()
		if err != nil {
			slog.Error("Failed to initialize Twilio client, SMS delivery disabled", "error", err)
		} else {
			dispatchOpts = append(dispatchOpts, dispatch.WithSender(models.ChannelSMS, sms))
		}
	} else {
		slog.Info("No Twilio credentials set; SMS delivery disabled")
	}

	gate := approval.NewGate(st, approval.WithExpiry(time.Duration(config.ExpiryHours)*time.Hour))

	eng := engine.New(engine.Components{
		Store: st,
		Scanner: eligibility.NewScanner(st, eligibility.Config{
			RecallAfterDays:             config.RecallDays,
			TreatmentPlanAgeDays:        config.TreatmentDays,
			MissedAppointmentWindowDays: config.MissedDays,
			LapsedAfterDays:             config.LapsedDays,
			NewLeadWindowDays:           config.NewLeadDays,
		}),
		Enroller:   enrollment.NewService(st),
		Registry:   registry,
		Scheduler:  sequence.NewScheduler(st, registry),
		Drafter:    drafting.NewDrafter(st, draftOpts...),
		Gate:       gate,
		Dispatcher: dispatch.NewService(st, dispatchOpts...),
	})
	return eng, gate
}
