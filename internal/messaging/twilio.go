package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const whatsappPrefix = "whatsapp:"

// minPhoneDigits is the shortest accepted recipient number.
const minPhoneDigits = 6

var nonDigitRegex = regexp.MustCompile(`\D`)

// messageCreator is the slice of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds Twilio credentials and the sending number.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	Channel    string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID. Empty falls back to
// TWILIO_ACCOUNT_SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token. Empty falls back to
// TWILIO_AUTH_TOKEN.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending number in E.164 form.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithChannel selects sms (default) or whatsapp.
func WithChannel(channel string) TwilioOption {
	return func(o *TwilioOpts) { o.Channel = channel }
}

// TwilioService sends SMS or WhatsApp messages through the Twilio REST API.
type TwilioService struct {
	api     messageCreator
	from    string
	channel string
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	cfg := TwilioOpts{Channel: ChannelSMS}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilioService: config loaded",
		"accountSID_set", cfg.AccountSID != "",
		"authToken_set", cfg.AuthToken != "",
		"from_set", cfg.From != "",
		"channel", cfg.Channel)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioService(client.Api, cfg)
}

func newTwilioService(api messageCreator, cfg TwilioOpts) (*TwilioService, error) {
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.Channel != ChannelSMS && cfg.Channel != ChannelWhatsApp {
		return nil, fmt.Errorf("unsupported channel %q", cfg.Channel)
	}
	return &TwilioService{
		api:     api,
		from:    strings.TrimPrefix(cfg.From, whatsappPrefix),
		channel: cfg.Channel,
		logger:  slog.Default().With("component", "messaging", "channel", cfg.Channel),
	}, nil
}

// Channel returns the channel this service sends on.
func (s *TwilioService) Channel() string {
	return s.channel
}

// ValidateAndCanonicalizeRecipient strips formatting from a phone number and
// returns it as +<digits>.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := nonDigitRegex.ReplaceAllString(strings.TrimPrefix(recipient, whatsappPrefix), "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, minPhoneDigits)
	}
	return "+" + digits, nil
}

// SendMessage sends body to a phone number.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		s.logger.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return "", err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(s.address(canonical))
	params.SetFrom(s.address(s.from))
	params.SetBody(body)

	msg, err := s.api.CreateMessage(params)
	if err != nil {
		s.logger.Error("TwilioService.SendMessage: send failed", "to", canonical, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}
	var sid string
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	s.logger.Debug("TwilioService.SendMessage: sent", "to", canonical, "sid", sid)
	return sid, nil
}

// Stop makes further sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *TwilioService) address(number string) string {
	if s.channel == ChannelWhatsApp {
		return whatsappPrefix + number
	}
	return number
}
