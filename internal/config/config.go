// Package config loads LeadPipe configuration from an optional YAML file,
// .env files and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/queue"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/BTreeMap/LeadPipe/internal/webhook"
)

// Defaults applied before the file and environment are read.
const (
	DefaultAddr       = ":8080"
	DefaultStateDir   = "/var/lib/leadpipe"
	DefaultDBFileName = "leadpipe.db"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// Provider types understood by the adapter factory.
const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeMock   = "mock"
)

// Config is the complete LeadPipe configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Store         StoreConfig        `yaml:"store"`
	Queue         QueueConfig        `yaml:"queue"`
	Egress        EgressConfig       `yaml:"egress"`
	Conversations ConversationConfig `yaml:"conversations"`
	Logging       LoggingConfig      `yaml:"logging"`
	Providers     []ProviderConfig   `yaml:"providers"`
	Webhooks      []WebhookConfig    `yaml:"webhooks"`
	Forwarding    []ForwardRule      `yaml:"forwarding"`
	Messaging     MessagingConfig    `yaml:"messaging"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig selects the persistence backend. An empty DSN means SQLite in
// StateDir.
type StoreConfig struct {
	DSN      string `yaml:"dsn"`
	StateDir string `yaml:"state_dir"`
}

// QueueConfig is the retry policy of the message queue, shared by egress.
type QueueConfig struct {
	BaseDelay             time.Duration `yaml:"-"`
	Factor                float64       `yaml:"factor"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryOnHandlerFailure bool          `yaml:"retry_on_handler_failure"`

	BaseDelayRaw string `yaml:"base_delay"`
}

// EgressConfig tunes the outbound webhook sender.
type EgressConfig struct {
	PollInterval time.Duration `yaml:"-"`
	Timeout      time.Duration `yaml:"-"`
	RateLimit    float64       `yaml:"rate_limit"`
	Burst        int           `yaml:"burst"`

	PollIntervalRaw string `yaml:"poll_interval"`
	TimeoutRaw      string `yaml:"timeout"`
}

// ConversationConfig bounds the in-memory active conversation set.
type ConversationConfig struct {
	ActiveTTL time.Duration `yaml:"-"`
	MaxActive int           `yaml:"max_active"`

	ActiveTTLRaw string `yaml:"active_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig names an AI provider, its adapter type and its settings.
type ProviderConfig struct {
	Name                 string `yaml:"name"`
	Type                 string `yaml:"type"`
	models.ServiceConfig `yaml:",inline"`
}

// WebhookConfig is one webhook registration.
type WebhookConfig struct {
	Name               string            `yaml:"name"`
	Endpoint           string            `yaml:"endpoint"`
	Secret             string            `yaml:"secret"`
	Scheme             string            `yaml:"scheme"`
	PublicURL          string            `yaml:"public_url"`
	EventTypePath      string            `yaml:"event_type_path"`
	ConversationIDPath string            `yaml:"conversation_id_path"`
	DeliveryIDPath     string            `yaml:"delivery_id_path"`
	Mappings           map[string]string `yaml:"mappings"`
}

// ForwardRule sends every event of one type to the listed egress webhooks.
type ForwardRule struct {
	Event    string   `yaml:"event"`
	Webhooks []string `yaml:"webhooks"`
}

// MessagingConfig configures reply delivery to leads.
type MessagingConfig struct {
	Twilio TwilioConfig `yaml:"twilio"`
}

// TwilioConfig holds Twilio messaging credentials.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
	Channel    string `yaml:"channel"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultAddr},
		Store:  StoreConfig{StateDir: DefaultStateDir},
		Queue: QueueConfig{
			BaseDelay:             queue.DefaultBackoff.Base,
			Factor:                queue.DefaultBackoff.Factor,
			MaxRetries:            queue.DefaultBackoff.MaxRetries,
			RetryOnHandlerFailure: true,
		},
		Egress: EgressConfig{
			PollInterval: webhook.DefaultPollInterval,
			Timeout:      webhook.DefaultSendTimeout,
		},
		Logging: LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			slog.Debug("LoadDotEnv: .env file not loaded", "file", f, "error", err)
			continue
		}
		slog.Debug("LoadDotEnv: loaded", "file", f)
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// path is not empty) with ${VAR} expansion, then environment overrides. The
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays LEADPIPE_* variables and the well-known DATABASE_URL.
// Invalid numeric or duration values are logged and ignored.
func (c *Config) applyEnv() {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.Server.Addr, "LEADPIPE_ADDR")
	setString(&c.Store.StateDir, "LEADPIPE_STATE_DIR")
	setString(&c.Store.DSN, "LEADPIPE_DSN", "DATABASE_URL")
	setString(&c.Logging.Level, "LEADPIPE_LOG_LEVEL")
	setString(&c.Logging.Format, "LEADPIPE_LOG_FORMAT")

	c.Queue.BaseDelay = util.ParseDurationEnv("LEADPIPE_QUEUE_BASE_DELAY", c.Queue.BaseDelay)
	c.Egress.PollInterval = util.ParseDurationEnv("LEADPIPE_EGRESS_POLL_INTERVAL", c.Egress.PollInterval)
	c.Egress.Timeout = util.ParseDurationEnv("LEADPIPE_EGRESS_TIMEOUT", c.Egress.Timeout)
	c.Conversations.ActiveTTL = util.ParseDurationEnv("LEADPIPE_ACTIVE_TTL", c.Conversations.ActiveTTL)
	c.Queue.MaxRetries = util.ParseIntEnv("LEADPIPE_QUEUE_MAX_RETRIES", c.Queue.MaxRetries)
	c.Queue.RetryOnHandlerFailure = util.ParseBoolEnv("LEADPIPE_RETRY_ON_HANDLER_FAILURE", c.Queue.RetryOnHandlerFailure)
	c.Conversations.MaxActive = util.ParseIntEnv("LEADPIPE_MAX_ACTIVE", c.Conversations.MaxActive)
	c.Messaging.Twilio.Enabled = util.ParseBoolEnv("LEADPIPE_TWILIO_ENABLED", c.Messaging.Twilio.Enabled)
}

// parseDurations converts the raw duration strings into time.Duration values.
func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"queue.base_delay", c.Queue.BaseDelayRaw, &c.Queue.BaseDelay},
		{"egress.poll_interval", c.Egress.PollIntervalRaw, &c.Egress.PollInterval},
		{"egress.timeout", c.Egress.TimeoutRaw, &c.Egress.Timeout},
		{"conversations.active_ttl", c.Conversations.ActiveTTLRaw, &c.Conversations.ActiveTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.TimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(p.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing providers[%s].timeout %q: %w", p.Name, p.TimeoutRaw, err)
		}
		p.Timeout = d
	}
	return nil
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "" {
			p.Type = p.Name
		}
		p.Provider = p.Name
	}
	// Without configured providers, fall back to OpenAI when a key is present
	// and to the mock adapter otherwise.
	if len(c.Providers) == 0 {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.Providers = []ProviderConfig{{
				Name:          ProviderTypeOpenAI,
				Type:          ProviderTypeOpenAI,
				ServiceConfig: models.ServiceConfig{Provider: ProviderTypeOpenAI, APIKey: key, DefaultProvider: true},
			}}
		} else {
			c.Providers = []ProviderConfig{{
				Name:          ProviderTypeMock,
				Type:          ProviderTypeMock,
				ServiceConfig: models.ServiceConfig{Provider: ProviderTypeMock, DefaultProvider: true},
			}}
		}
	}
	for i := range c.Webhooks {
		if c.Webhooks[i].Scheme == "" {
			c.Webhooks[i].Scheme = string(webhook.SchemeHMACSHA256)
		}
	}
	if c.Messaging.Twilio.Channel == "" {
		c.Messaging.Twilio.Channel = "sms"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Store.DSN == "" && c.Store.StateDir == "" {
		return fmt.Errorf("store.dsn or store.state_dir is required")
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("queue.base_delay must be positive")
	}
	if c.Queue.Factor < 1 {
		return fmt.Errorf("queue.factor must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Egress.PollInterval <= 0 || c.Egress.Timeout <= 0 {
		return fmt.Errorf("egress.poll_interval and egress.timeout must be positive")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers: name is required")
		}
		if providers[p.Name] {
			return fmt.Errorf("providers: duplicate name %q", p.Name)
		}
		providers[p.Name] = true
		if p.Type != ProviderTypeOpenAI && p.Type != ProviderTypeMock {
			return fmt.Errorf("providers[%s]: unknown type %q", p.Name, p.Type)
		}
	}

	webhooks := make(map[string]WebhookConfig, len(c.Webhooks))
	for _, w := range c.Webhooks {
		if w.Name == "" {
			return fmt.Errorf("webhooks: name is required")
		}
		if _, dup := webhooks[w.Name]; dup {
			return fmt.Errorf("webhooks: duplicate name %q", w.Name)
		}
		webhooks[w.Name] = w
		if !webhook.Scheme(w.Scheme).IsValid() {
			return fmt.Errorf("webhooks[%s]: unknown scheme %q", w.Name, w.Scheme)
		}
		for external, internal := range w.Mappings {
			if !models.EventType(internal).IsValid() {
				return fmt.Errorf("webhooks[%s]: mapping %q targets unknown event type %q", w.Name, external, internal)
			}
		}
	}

	for _, rule := range c.Forwarding {
		if !models.EventType(rule.Event).IsValid() {
			return fmt.Errorf("forwarding: unknown event type %q", rule.Event)
		}
		for _, name := range rule.Webhooks {
			w, ok := webhooks[name]
			if !ok {
				return fmt.Errorf("forwarding[%s]: webhook %q is not configured", rule.Event, name)
			}
			if w.Endpoint == "" {
				return fmt.Errorf("forwarding[%s]: webhook %q has no endpoint", rule.Event, name)
			}
		}
	}

	if t := c.Messaging.Twilio; t.Enabled && t.Channel != "sms" && t.Channel != "whatsapp" {
		return fmt.Errorf("messaging.twilio.channel must be sms or whatsapp, got %q", t.Channel)
	}
	return nil
}

// Backoff returns the retry policy described by the queue section.
func (c *Config) Backoff() queue.Backoff {
	return queue.Backoff{Base: c.Queue.BaseDelay, Factor: c.Queue.Factor, MaxRetries: c.Queue.MaxRetries}
}

// DSN returns the store DSN, defaulting to SQLite in the state directory.
func (c *Config) DSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.Store.StateDir, DefaultDBFileName)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("logging.level: unknown level %q", level)
	}
	return l, nil
}
