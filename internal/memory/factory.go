package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the Postgres store when databaseURL is set. Without one,
// history lives in process and is lost on restart.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		logger.InfoContext(ctx, "conversation memory kept in process", "per_caller_limit", defaultPerCaller)
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres memory store: %w", err)
	}
	return store, nil
}
