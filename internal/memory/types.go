package memory

import (
	"context"
	"time"
)

// TurnRecord stores one side of a conversational exchange with a caller.
type TurnRecord struct {
	ID          string    `json:"id"`
	Caller      string    `json:"caller"`
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history keyed by caller number.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentContext returns up to limit records for caller, oldest first.
	RecentContext(ctx context.Context, caller string, limit int) ([]TurnRecord, error)
	// Backend names the storage engine for startup logs.
	Backend() string
	Close() error
}
