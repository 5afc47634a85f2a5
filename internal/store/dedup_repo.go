// Package store provides the DedupRepo interface for inbound webhook deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound webhook deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Source      string     `json:"source"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound webhook deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a delivery ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// delivery was already recorded and processed (duplicate). A record
	// without processed_at is refreshed and reported as new.
	RecordInbound(ctx context.Context, messageID, source string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a delivery.
	MarkProcessed(ctx context.Context, messageID string) error
}
