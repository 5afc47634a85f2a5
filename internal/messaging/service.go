// Package messaging delivers assistant replies to leads over text channels.
package messaging

import (
	"context"
	"errors"
)

// Channel names as recorded in conversation metadata.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service sends a text message to a lead.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns the
	// form the service sends to.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a recipient and returns the provider message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)
}
