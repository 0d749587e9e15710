// Package tokenstore persists the bridge's OAuth credentials. Postgres when
// DATABASE_URL is set, in-memory otherwise.
package tokenstore

import (
	"context"

	"github.com/calvoice/calvoice/internal/gauth"
)

type Store interface {
	Save(ctx context.Context, tok gauth.Token) error
	// Load returns the stored token and whether one exists.
	Load(ctx context.Context) (gauth.Token, bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// NewStore selects the backing implementation from the database URL.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if databaseURL == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
