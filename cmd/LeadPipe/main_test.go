package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/events"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/queue"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/webhook"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Store.StateDir = t.TempDir()
	cfg.Providers = []config.ProviderConfig{{
		Name:          "mock",
		Type:          config.ProviderTypeMock,
		ServiceConfig: models.ServiceConfig{Provider: "mock", DefaultProvider: true},
	}}
	return cfg
}

func TestParseCommandLineFlags(t *testing.T) {
	t.Setenv("LEADPIPE_CONFIG", "/etc/leadpipe.yaml")

	f, err := parseCommandLineFlags([]string{"-addr", ":9000", "-db-dsn", "postgres://x/y", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/leadpipe.yaml", f.configPath)
	assert.Equal(t, ":9000", f.addr)
	assert.Equal(t, "postgres://x/y", f.dsn)
	assert.Equal(t, "debug", f.logLevel)

	_, err = parseCommandLineFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	os.Unsetenv("LEADPIPE_ADDR")
	os.Unsetenv("LEADPIPE_DSN")
	os.Unsetenv("DATABASE_URL")
	path := filepath.Join(t.TempDir(), "leadpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":8081\"\n"), 0o600))
	stateDir := t.TempDir()

	cfg, err := loadConfig(Flags{configPath: path, addr: ":9999", stateDir: stateDir, logLevel: "error"})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, filepath.Join(stateDir, config.DefaultDBFileName), cfg.DSN())
	assert.Equal(t, "error", cfg.Logging.Level)

	_, err = loadConfig(Flags{configPath: path, logLevel: "chatty"})
	assert.ErrorContains(t, err, "logging.level")
}

func TestInitializeLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := initializeLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestBuildGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{
		Name:          "secondary",
		Type:          config.ProviderTypeMock,
		ServiceConfig: models.ServiceConfig{Provider: "secondary"},
	})

	gw, err := buildGateway(context.Background(), cfg, discard)
	require.NoError(t, err)
	assert.Equal(t, "mock", gw.DefaultProvider())
	assert.Len(t, gw.Providers(), 2)

	cfg.Providers = []config.ProviderConfig{{Name: "odd", Type: "carrier-pigeon"}}
	_, err = buildGateway(context.Background(), cfg, discard)
	assert.ErrorContains(t, err, "unknown type")
}

func TestBuildWebhookHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhooks = []config.WebhookConfig{
		{
			Name:          "dialer",
			Secret:        "s",
			Scheme:        string(webhook.SchemeHMACSHA256),
			EventTypePath: "event.kind",
			Mappings:      map[string]string{"call.answered": string(models.EventConversationStarted)},
		},
		{Name: "crm", Endpoint: "https://crm.example.com/hook", Scheme: string(webhook.SchemeNone)},
	}
	st := store.NewInMemoryStore()
	q := queue.NewQueue(nil, queue.WithRepo(st))

	h, err := buildWebhookHandler(cfg, q, st, discard)
	require.NoError(t, err)
	regs := h.Webhooks()
	require.Len(t, regs, 2)
	assert.Equal(t, "crm", regs[0].Name)
	assert.Equal(t, models.EventConversationStarted, h.MapEventType("dialer", "call.answered"))

	reg, ok := h.Registration("dialer")
	require.True(t, ok)
	assert.Equal(t, "event.kind", reg.EventTypePath)

	body := []byte(`{"event":{"kind":"call.answered"},"conversationId":"C9"}`)
	evt, err := h.HandleWebhookRequest(context.Background(), "dialer", body, webhook.Sign("s", body))
	require.NoError(t, err)
	assert.Equal(t, models.EventConversationStarted, evt.Type)
	assert.Equal(t, 1, q.Len())

	cfg.Webhooks = []config.WebhookConfig{{Name: "bad", Endpoint: "not a url", Scheme: "none"}}
	_, err = buildWebhookHandler(cfg, q, st, discard)
	assert.ErrorContains(t, err, `registering webhook "bad"`)
}

func TestBuildOrchestratorOptions(t *testing.T) {
	cfg := testConfig(t)
	assert.Len(t, buildOrchestratorOptions(cfg, nil, nil, discard), 1)

	cfg.Forwarding = []config.ForwardRule{{Event: string(models.EventConversationEnded), Webhooks: []string{"crm"}}}
	assert.Len(t, buildOrchestratorOptions(cfg, nil, nil, discard), 3)

	cfg.Messaging.Twilio = config.TwilioConfig{Enabled: true, AccountSID: "AC1", AuthToken: "tok", From: "+15550001111", Channel: "whatsapp"}
	replies, err := buildReplyServices(cfg, discard)
	require.NoError(t, err)
	assert.Len(t, buildOrchestratorOptions(cfg, nil, replies, discard), 4)
}

func TestBuildReplyServices(t *testing.T) {
	cfg := testConfig(t)
	replies, err := buildReplyServices(cfg, discard)
	require.NoError(t, err)
	assert.Empty(t, replies)

	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	cfg.Messaging.Twilio = config.TwilioConfig{Enabled: true, Channel: "sms"}
	_, err = buildReplyServices(cfg, discard)
	assert.ErrorContains(t, err, "configuring twilio")

	cfg.Messaging.Twilio = config.TwilioConfig{Enabled: true, AccountSID: "AC1", AuthToken: "tok", From: "+15550001111", Channel: "sms"}
	replies, err = buildReplyServices(cfg, discard)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, messaging.ChannelSMS, replies[0].Channel())

	// Shutdown stops the service before any network call is attempted.
	replies[0].Stop()
	_, err = replies[0].SendMessage(context.Background(), "+15550002222", "hi")
	assert.ErrorIs(t, err, messaging.ErrServiceStopped)
}

func TestSubscriptionCounts(t *testing.T) {
	bus := events.NewBus()
	noop := func(context.Context, models.Event) error { return nil }
	bus.Subscribe(models.EventConversationStarted, noop)
	bus.Subscribe(models.EventConversationStarted, noop)
	bus.Subscribe(models.EventConversationEnded, noop)

	assert.Equal(t, map[models.EventType]int{
		models.EventConversationStarted: 2,
		models.EventConversationEnded:   1,
	}, subscriptionCounts(bus))
}

func TestBuildSenderOptions(t *testing.T) {
	cfg := testConfig(t)
	assert.Len(t, buildSenderOptions(cfg, discard), 4)

	cfg.Egress.RateLimit = 2
	cfg.Egress.Burst = 1
	assert.Len(t, buildSenderOptions(cfg, discard), 5)
}

func TestRun_LocksStateDirAndStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, discard) }()

	lockPath := filepath.Join(cfg.Store.StateDir, lockfile.LockFileName)
	require.Eventually(t, func() bool {
		_, err := os.Stat(lockPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// A second instance on the same state directory must refuse to start.
	err := run(context.Background(), cfg, discard)
	var held *lockfile.HeldError
	assert.True(t, errors.As(err, &held), "got %v", err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.DSN())
	assert.NoError(t, err)
}
