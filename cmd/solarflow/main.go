package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/solarflow/solarflow/internal/api"
	"github.com/solarflow/solarflow/internal/flow"
	"github.com/solarflow/solarflow/internal/genai"
	"github.com/solarflow/solarflow/internal/loader"
	"github.com/solarflow/solarflow/internal/lockfile"
	"github.com/solarflow/solarflow/internal/messaging"
	"github.com/solarflow/solarflow/internal/notify"
	"github.com/solarflow/solarflow/internal/scheduler"
	"github.com/solarflow/solarflow/internal/store"
	"github.com/solarflow/solarflow/internal/twiliowhatsapp"
	"github.com/solarflow/solarflow/internal/util"
	"github.com/solarflow/solarflow/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SolarFlow state data
	DefaultStateDir = "/var/lib/solarflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "solarflow.db"
	// DefaultFlowsDir is the default flow definitions directory
	DefaultFlowsDir = "flows"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("SolarFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SolarFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	WhatsAppDSN  string
	StateDir     string
	OpenAIKey    string
	APIAddr      string
	FlowsDir     string
	Transport    string
	AdminNumbers string
	WebhookURL   string
	SweepCron    string
	DefaultReply string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	apiAddr      *string
	flowsDir     *string
	transport    *string
	adminNumbers *string
	webhookURL   *string
	sweepCron    *string
	defaultReply *string
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
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		WhatsAppDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:     util.EnvOrDefault("SOLARFLOW_STATE_DIR", DefaultStateDir),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		APIAddr:      os.Getenv("API_ADDR"),
		FlowsDir:     util.EnvOrDefault("FLOWS_DIR", DefaultFlowsDir),
		Transport:    util.EnvOrDefault("TRANSPORT", "whatsmeow"),
		AdminNumbers: os.Getenv("ADMIN_NUMBERS"),
		WebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		SweepCron:    os.Getenv("STALE_SWEEP_CRON"),
		DefaultReply: os.Getenv("DEFAULT_REPLY"),
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"SOLARFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"FLOWS_DIR", config.FlowsDir,
		"TRANSPORT", config.Transport)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", util.BoolEnv("NUMERIC_CODE", false), "use numeric login code instead of QR code (overrides $NUMERIC_CODE)"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for SolarFlow data (overrides $SOLARFLOW_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the CRM store (overrides $DATABASE_URL)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for intent classification (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		flowsDir:     flag.String("flows-dir", config.FlowsDir, "directory of YAML flow definitions (overrides $FLOWS_DIR)"),
		transport:    flag.String("transport", config.Transport, "messaging transport: whatsmeow or twilio (overrides $TRANSPORT)"),
		adminNumbers: flag.String("admin-numbers", config.AdminNumbers, "comma-separated admin WhatsApp numbers (overrides $ADMIN_NUMBERS)"),
		webhookURL:   flag.String("notify-webhook", config.WebhookURL, "HTTP webhook receiving notifications (overrides $NOTIFY_WEBHOOK_URL)"),
		sweepCron:    flag.String("sweep-cron", config.SweepCron, "cron schedule for the stale state sweep (overrides $STALE_SWEEP_CRON)"),
		defaultReply: flag.String("default-reply", config.DefaultReply, "reply sent when no flow matches an idle contact's message (overrides $DEFAULT_REPLY)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"flowsDir", *flags.flowsDir,
		"transport", *flags.transport)

	return flags
}

// run assembles the modules and blocks until shutdown.
func run(flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	service, twilioService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	notifier := buildNotifier(flags, service)

	registry, err := flow.NewRegistry(nil)
	if err != nil {
		return err
	}
	ld := loader.NewLoader(st)
	if err := ld.Sync(registry, *flags.flowsDir); err != nil {
		return err
	}
	slog.Info("Flow registry ready", "active_flows", len(registry.Active()))

	engineOpts := []flow.Option{}
	if *flags.defaultReply != "" {
		engineOpts = append(engineOpts, flow.WithDefaultReply(*flags.defaultReply))
	}
	if *flags.openaiKey != "" {
		classifier, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, flow.WithIntentClassifier(classifier))
	} else {
		slog.Info("No OpenAI API key configured, intent classification disabled")
	}
	engine := flow.NewEngine(st, registry, service, notifier, engineOpts...)

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	dispatcher := messaging.NewDispatcher(service, engine)
	go dispatcher.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddStaleStateSweep(st, *flags.sweepCron, 0); err != nil {
		return err
	}

	apiOpts := []api.Option{api.WithFlowsDir(*flags.flowsDir)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, registry, ld, service, twilioService, apiOpts...)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("Shutdown signal received", "signal", s)
	cancel()
	// Give the dispatcher a moment to finish in-flight turns.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// buildStore picks the storage backend from the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		slog.Info("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildMessagingService constructs the configured transport. The second
// return value is non-nil only for the Twilio transport, which needs its
// webhook wired into the API server.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	if *flags.transport == "twilio" {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	}

	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waOpts = append(waOpts, whatsapp.WithDBDSN(whatsappDSN(flags)))
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(client), nil, nil
}

// whatsappDSN keeps the whatsmeow session database next to the CRM database
// for SQLite deployments and shares the server for PostgreSQL ones.
func whatsappDSN(flags Flags) string {
	if dsn := os.Getenv("WHATSAPP_DB_DSN"); dsn != "" {
		return dsn
	}
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		return dsn
	}
	return filepath.Join(filepath.Dir(dsn), "whatsmeow.db")
}

// buildNotifier wires admin recipients and the optional webhook.
func buildNotifier(flags Flags, sender flow.Sender) *notify.Notifier {
	var opts []notify.Option
	if *flags.adminNumbers != "" {
		numbers := strings.Split(*flags.adminNumbers, ",")
		for i := range numbers {
			numbers[i] = strings.TrimSpace(numbers[i])
		}
		opts = append(opts, notify.WithAdminNumbers(numbers))
	}
	if *flags.webhookURL != "" {
		opts = append(opts, notify.WithWebhookURL(*flags.webhookURL))
	}
	return notify.NewNotifier(sender, opts...)
}
