package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LeadPipe/internal/aiservice"
	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/conversation"
	"github.com/BTreeMap/LeadPipe/internal/events"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/orchestrator"
	"github.com/BTreeMap/LeadPipe/internal/queue"
	"github.com/BTreeMap/LeadPipe/internal/recovery"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/webhook"
)

// Flags holds command line flag values. Empty values leave the loaded
// configuration untouched.
type Flags struct {
	configPath string
	envFile    string
	addr       string
	stateDir   string
	dsn        string
	logLevel   string
}

func main() {
	flags, err := parseCommandLineFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	if flags.envFile != "" {
		config.LoadDotEnv(flags.envFile)
	} else {
		config.LoadDotEnv()
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := initializeLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Bootstrapping LeadPipe", "addr", cfg.Server.Addr, "providers", len(cfg.Providers), "webhooks", len(cfg.Webhooks))
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("LeadPipe failed to run", "error", err)
		os.Exit(1)
	}
	logger.Info("LeadPipe exited successfully")
}

// parseCommandLineFlags parses args into Flags.
func parseCommandLineFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("leadpipe", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", os.Getenv("LEADPIPE_CONFIG"), "path to YAML configuration (overrides $LEADPIPE_CONFIG)")
	fs.StringVar(&f.envFile, "env-file", "", "path to a .env file (default .env)")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address (overrides server.addr and $LEADPIPE_ADDR)")
	fs.StringVar(&f.stateDir, "state-dir", "", "state directory for the SQLite store (overrides store.state_dir)")
	fs.StringVar(&f.dsn, "db-dsn", "", "database DSN, SQLite path or postgres:// URL (overrides store.dsn)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// loadConfig loads the configuration and applies flag overrides on top.
func loadConfig(f Flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.stateDir != "" {
		cfg.Store.StateDir = f.stateDir
	}
	if f.dsn != "" {
		cfg.Store.DSN = f.dsn
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}
	return cfg, nil
}

// initializeLogger builds the process logger and installs it as the slog default.
func initializeLogger(lc config.LoggingConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// run wires every component and blocks until ctx is cancelled or one of the
// background loops fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dsn := cfg.DSN()
	if store.DetectDSNType(dsn) == store.BackendSQLite {
		lock, err := lockfile.Acquire(filepath.Dir(dsn))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(dsn)...)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(
		events.WithLogger(logger),
		events.WithEventLogger(events.NewSlogEventLogger(logger.With("component", "event_log"))),
	)
	defer bus.Close()

	q := queue.NewQueue(bus,
		queue.WithRepo(st),
		queue.WithDeadLetterRepo(st),
		queue.WithBackoff(cfg.Backoff()),
		queue.WithRetryOnHandlerFailure(cfg.Queue.RetryOnHandlerFailure),
		queue.WithLogger(logger),
	)

	manager := conversation.NewManager(st, buildConversationOptions(cfg, logger)...)

	gateway, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}

	hooks, err := buildWebhookHandler(cfg, q, st, logger)
	if err != nil {
		return err
	}
	sender := webhook.NewSender(st, hooks, buildSenderOptions(cfg, logger)...)

	replies, err := buildReplyServices(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, svc := range replies {
			svc.Stop()
		}
	}()

	orch := orchestrator.New(bus, q, manager, gateway, buildOrchestratorOptions(cfg, hooks, replies, logger)...)
	if err := orch.Start(); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer orch.Stop()
	logger.Info("Orchestrator started", "subscriptions", subscriptionCounts(bus))

	rm := recovery.NewManager(logger)
	rm.Register(recovery.Func("queue", q.Recover))
	if _, err := rm.RecoverAll(ctx); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}

	server := api.NewServer(hooks, manager, gateway,
		api.WithAddr(cfg.Server.Addr),
		api.WithQueueInspector(q),
		api.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return sender.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildStoreOptions selects the backend for dsn the same way store.Open would.
func buildStoreOptions(dsn string) []store.Option {
	if store.DetectDSNType(dsn) == store.BackendPostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

func buildConversationOptions(cfg *config.Config, logger *slog.Logger) []conversation.Option {
	opts := []conversation.Option{conversation.WithLogger(logger)}
	if cfg.Conversations.ActiveTTL > 0 {
		opts = append(opts, conversation.WithActiveTTL(cfg.Conversations.ActiveTTL))
	}
	if cfg.Conversations.MaxActive > 0 {
		opts = append(opts, conversation.WithMaxActive(cfg.Conversations.MaxActive))
	}
	return opts
}

// buildGateway registers an adapter per configured provider and initializes it.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*aiservice.Gateway, error) {
	gw := aiservice.NewGateway(aiservice.WithLogger(logger))
	for _, p := range cfg.Providers {
		switch p.Type {
		case config.ProviderTypeOpenAI:
			gw.RegisterAdapter(p.Name, aiservice.NewOpenAIAdapter(p.Name))
		case config.ProviderTypeMock:
			logger.Warn("Using mock AI provider", "provider", p.Name)
			gw.RegisterAdapter(p.Name, aiservice.NewMockAdapter(p.Name))
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
		if err := gw.ConfigureService(ctx, p.Name, p.ServiceConfig); err != nil {
			return nil, fmt.Errorf("configuring provider %q: %w", p.Name, err)
		}
	}
	return gw, nil
}

// buildWebhookHandler registers every configured webhook and its extra mappings.
func buildWebhookHandler(cfg *config.Config, sink webhook.EventSink, st store.Store, logger *slog.Logger) (*webhook.Handler, error) {
	h := webhook.NewHandler(sink, st, webhook.WithDedupRepo(st), webhook.WithLogger(logger))
	for _, w := range cfg.Webhooks {
		opts := []webhook.RegisterOption{webhook.WithScheme(webhook.Scheme(w.Scheme))}
		if w.PublicURL != "" {
			opts = append(opts, webhook.WithPublicURL(w.PublicURL))
		}
		if w.EventTypePath != "" {
			opts = append(opts, webhook.WithEventTypePath(w.EventTypePath))
		}
		if w.ConversationIDPath != "" {
			opts = append(opts, webhook.WithConversationIDPath(w.ConversationIDPath))
		}
		if w.DeliveryIDPath != "" {
			opts = append(opts, webhook.WithDeliveryIDPath(w.DeliveryIDPath))
		}
		if err := h.RegisterWebhook(w.Name, w.Endpoint, w.Secret, opts...); err != nil {
			return nil, fmt.Errorf("registering webhook %q: %w", w.Name, err)
		}
		for external, internal := range w.Mappings {
			if err := h.RegisterMapping(w.Name, external, models.EventType(internal)); err != nil {
				return nil, fmt.Errorf("registering mapping %q for webhook %q: %w", external, w.Name, err)
			}
		}
	}
	return h, nil
}

func buildSenderOptions(cfg *config.Config, logger *slog.Logger) []webhook.SenderOption {
	opts := []webhook.SenderOption{
		webhook.WithSenderBackoff(cfg.Backoff()),
		webhook.WithPollInterval(cfg.Egress.PollInterval),
		webhook.WithSendTimeout(cfg.Egress.Timeout),
		webhook.WithSenderLogger(logger),
	}
	if cfg.Egress.RateLimit > 0 {
		opts = append(opts, webhook.WithRateLimit(cfg.Egress.RateLimit, cfg.Egress.Burst))
	}
	return opts
}

// buildReplyServices returns the configured lead reply channels.
func buildReplyServices(cfg *config.Config, logger *slog.Logger) ([]*messaging.TwilioService, error) {
	tc := cfg.Messaging.Twilio
	if !tc.Enabled {
		return nil, nil
	}
	svc, err := messaging.NewTwilioService(
		messaging.WithAccountSID(tc.AccountSID),
		messaging.WithAuthToken(tc.AuthToken),
		messaging.WithFrom(tc.From),
		messaging.WithChannel(tc.Channel),
	)
	if err != nil {
		return nil, fmt.Errorf("configuring twilio: %w", err)
	}
	logger.Info("Twilio reply channel enabled", "channel", svc.Channel())
	return []*messaging.TwilioService{svc}, nil
}

// buildOrchestratorOptions wires forwarding rules and reply channels.
func buildOrchestratorOptions(cfg *config.Config, egress orchestrator.Egress, replies []*messaging.TwilioService, logger *slog.Logger) []orchestrator.Option {
	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if len(cfg.Forwarding) > 0 {
		opts = append(opts, orchestrator.WithEgress(egress))
	}
	for _, rule := range cfg.Forwarding {
		opts = append(opts, orchestrator.WithForwarding(models.EventType(rule.Event), rule.Webhooks...))
	}
	for _, svc := range replies {
		opts = append(opts, orchestrator.WithReplyChannel(svc.Channel(), svc))
	}
	return opts
}

// subscriptionCounts reports how many handlers listen on each event type.
func subscriptionCounts(bus *events.Bus) map[models.EventType]int {
	counts := make(map[models.EventType]int)
	for _, t := range models.AllEventTypes {
		if n := bus.SubscriberCount(t); n > 0 {
			counts[t] = n
		}
	}
	return counts
}
