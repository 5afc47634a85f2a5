// Package util provides small helpers shared across LeadPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// ID prefixes used by the queue, the egress outbox and conversation history.
const (
	QueueIDPrefix    = "q_"
	DeliveryIDPrefix = "dlv_"
	MessageIDPrefix  = "msg_"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewQueueID returns an identifier for a queued event.
func NewQueueID() string {
	return GenerateRandomID(QueueIDPrefix, 24)
}

// NewDeliveryID returns an identifier for an outbound webhook delivery.
func NewDeliveryID() string {
	return GenerateRandomID(DeliveryIDPrefix, 24)
}

// NewMessageID returns an identifier for a conversation message.
func NewMessageID() string {
	return GenerateRandomID(MessageIDPrefix, 24)
}
