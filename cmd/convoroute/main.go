package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/convoroute/convoroute/internal/api"
	"github.com/convoroute/convoroute/internal/dispatch"
	"github.com/convoroute/convoroute/internal/genai"
	"github.com/convoroute/convoroute/internal/lockfile"
	"github.com/convoroute/convoroute/internal/messaging"
	"github.com/convoroute/convoroute/internal/models"
	"github.com/convoroute/convoroute/internal/scheduler"
	"github.com/convoroute/convoroute/internal/store"
	"github.com/convoroute/convoroute/internal/twiliowhatsapp"
	"github.com/convoroute/convoroute/internal/util"
	"github.com/convoroute/convoroute/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for convoroute state data
	DefaultStateDir = "/var/lib/convoroute"
	// DefaultAppDBFileName is the default SQLite database filename for routing configuration
	DefaultAppDBFileName = "convoroute.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow session state
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultExpireCron is the default schedule for expiring idle conversations
	DefaultExpireCron = "*/30 * * * *"
	// DefaultConversationTTL is how long a silent conversation keeps its state
	DefaultConversationTTL = 24 * time.Hour
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own the state directory at a time.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire instance lock", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping convoroute with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"channel", *flags.channel,
		"domain", *flags.domainKey)

	if err := run(flags); err != nil {
		slog.Error("convoroute failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("convoroute exited successfully")
}

// run wires the store, API server, optional messaging channel and scheduler,
// then blocks until a termination signal arrives or a component fails.
func run(flags Flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewStore(buildStoreOptions(flags)...)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := api.NewServer(st, buildAPIOptions(flags)...)

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Run(ctx) }()

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	if *flags.channel != "" {
		dispatcher, svc, err := buildDispatcher(ctx, st, flags)
		if err != nil {
			return err
		}
		defer svc.Stop()

		go func() { errCh <- dispatcher.Start(ctx) }()

		if err := sched.AddJob(*flags.expireCron, func() {
			dispatcher.ExpireIdleConversations(DefaultConversationTTL)
		}); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN    string
	ApplicationDSN string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	Channel        string
	OrganizationID string
	DomainKey      string
	AuthNode       string
	AuthAwaiting   string
	ExpireCron     string
	GenAIFallback  bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	waDSN        *string
	openaiKey    *string
	apiAddr      *string
	channel      *string
	orgID        *string
	domainKey    *string
	authNode     *string
	authAwaiting *string
	expireCron   *string
	genaiEnabled bool
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
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDSN: os.Getenv("DATABASE_DSN"),
		StateDir:       os.Getenv("CONVOROUTE_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		Channel:        os.Getenv("CONVOROUTE_CHANNEL"),
		OrganizationID: os.Getenv("CONVOROUTE_ORG_ID"),
		DomainKey:      os.Getenv("CONVOROUTE_DOMAIN"),
		AuthNode:       os.Getenv("CONVOROUTE_AUTH_NODE"),
		AuthAwaiting:   os.Getenv("CONVOROUTE_AUTH_AWAITING"),
		ExpireCron:     os.Getenv("EXPIRE_SCHEDULE"),
		GenAIFallback:  util.ParseBoolEnv("GENAI_FALLBACK", false),
	}

	// Legacy single-variable deployments
	if config.ApplicationDSN == "" {
		config.ApplicationDSN = os.Getenv("DATABASE_URL")
		if config.ApplicationDSN != "" {
			slog.Debug("Using DATABASE_URL as DATABASE_DSN", "dsn_set", true)
		}
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CONVOROUTE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("CONVOROUTE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.ApplicationDSN == "" {
		config.ApplicationDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No whatsmeow DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	if config.ExpireCron == "" {
		config.ExpireCron = DefaultExpireCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_DSN_SET", config.ApplicationDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"CONVOROUTE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CONVOROUTE_CHANNEL", config.Channel,
		"CONVOROUTE_DOMAIN", config.DomainKey,
		"EXPIRE_SCHEDULE", config.ExpireCron,
		"GENAI_FALLBACK", config.GenAIFallback)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for convoroute data (overrides $CONVOROUTE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.ApplicationDSN, "database DSN for routing configuration (overrides $DATABASE_DSN or $DATABASE_URL)"),
		waDSN:        flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for whatsmeow session state (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for the intent-classification fallback (overrides $OPENAI_API_KEY)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:      flag.String("channel", config.Channel, "messaging channel to run: whatsapp, twilio or empty for API only (overrides $CONVOROUTE_CHANNEL)"),
		orgID:        flag.String("org-id", config.OrganizationID, "organization the dispatcher serves (overrides $CONVOROUTE_ORG_ID)"),
		domainKey:    flag.String("domain", config.DomainKey, "business domain the dispatcher serves (overrides $CONVOROUTE_DOMAIN)"),
		authNode:     flag.String("auth-node", config.AuthNode, "node that handles authentication redirects (overrides $CONVOROUTE_AUTH_NODE)"),
		authAwaiting: flag.String("auth-awaiting", config.AuthAwaiting, "awaiting type armed on authentication redirect (overrides $CONVOROUTE_AUTH_AWAITING)"),
		expireCron:   flag.String("expire-cron", config.ExpireCron, "cron schedule for expiring idle conversations (overrides $EXPIRE_SCHEDULE)"),
		genaiEnabled: config.GenAIFallback,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel,
		"domain", *flags.domainKey,
		"expireCron", *flags.expireCron)

	// Keep file-based databases inside the state directory when it is moved
	if *flags.dbDSN == config.ApplicationDSN && config.ApplicationDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return os.MkdirAll(*flags.stateDir, 0755)
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		slog.Debug("Configuring store", "dsn_type", store.DetectDSNType(*flags.dbDSN))
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// buildDispatcher constructs the messaging channel service and a dispatcher
// serving the configured tenant scope, with diagnostic node handlers for
// every node the stored configuration routes to.
func buildDispatcher(ctx context.Context, st store.Store, flags Flags) (*dispatch.Dispatcher, messaging.Service, error) {
	svc, err := buildChannelService(ctx, flags)
	if err != nil {
		return nil, nil, err
	}

	opts := dispatch.Opts{
		Scope:            models.TenantScope{OrganizationID: *flags.orgID, DomainKey: *flags.domainKey},
		AuthNode:         *flags.authNode,
		AuthAwaitingType: *flags.authAwaiting,
	}

	if flags.genaiEnabled {
		classifier, err := genai.NewClient(buildGenAIOptions(flags)...)
		if err != nil {
			slog.Warn("GenAI fallback requested but unavailable, continuing without it", "error", err)
		} else {
			opts.Classifier = classifier
		}
	}

	dispatcher, err := dispatch.NewDispatcher(st, svc, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := registerDiagnosticNodes(dispatcher, st, opts.Scope); err != nil {
		return nil, nil, err
	}
	return dispatcher, svc, nil
}

// buildChannelService constructs the selected messaging channel backend.
func buildChannelService(ctx context.Context, flags Flags) (messaging.Service, error) {
	switch *flags.channel {
	case "whatsapp":
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		svc := messaging.NewTwilioService(client)
		go serveTwilioWebhook(ctx, svc)
		return svc, nil
	default:
		return nil, fmt.Errorf("unknown messaging channel: %s", *flags.channel)
	}
}

// serveTwilioWebhook runs the inbound webhook listener for the Twilio channel.
func serveTwilioWebhook(ctx context.Context, svc *messaging.TwilioService) {
	addr := os.Getenv("TWILIO_WEBHOOK_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/twilio", svc.WebhookHandler)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("Twilio webhook listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Twilio webhook server failed", "error", err)
	}
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// registerDiagnosticNodes registers an acknowledgement handler for every node
// the stored configuration routes to, so a fresh deployment answers routed
// messages before real node handlers are plugged in. Embedders replace these
// via Dispatcher.RegisterNode.
func registerDiagnosticNodes(d *dispatch.Dispatcher, st store.Store, scope models.TenantScope) error {
	nodes := make(map[string]bool)

	rules, err := st.ListRules(scope.OrganizationID, scope.DomainKey)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.TargetNode != "" {
			nodes[r.TargetNode] = true
		}
	}

	configs, err := st.ListAwaitingConfigs(scope.OrganizationID, scope.DomainKey)
	if err != nil {
		return err
	}
	for _, c := range configs {
		nodes[c.TargetNode] = true
	}

	for node := range nodes {
		d.RegisterNode(node, acknowledgeNode(node))
	}
	slog.Info("Registered diagnostic node handlers", "count", len(nodes), "domain", scope.DomainKey)
	return nil
}

// acknowledgeNode returns a handler that names the node and intent it received.
func acknowledgeNode(node string) dispatch.NodeFunc {
	return func(ctx context.Context, conv *dispatch.Conversation, decision models.RoutingDecision) (dispatch.NodeResult, error) {
		reply := "[" + node + "] intent=" + decision.TargetIntent
		return dispatch.NodeResult{Reply: reply}, nil
	}
}
