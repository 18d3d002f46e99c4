package history

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed journal when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(0, 0), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
