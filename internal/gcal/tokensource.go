package gcal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/calvoice/calvoice/internal/gauth"
)

// ErrNotAuthorized means no usable credentials are stored; the user has to
// run the consent flow first.
var ErrNotAuthorized = errors.New("calendar account not authorized")

// TokenStore is the subset of the credential store the token source needs.
type TokenStore interface {
	Load(ctx context.Context) (gauth.Token, bool, error)
	Save(ctx context.Context, tok gauth.Token) error
}

// Refresher trades a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (gauth.Token, error)
}

// RefreshingTokenSource returns a TokenSource that loads the stored token,
// refreshes it through the OAuth flow when expired, and writes the refreshed
// token back. Safe for concurrent use.
func RefreshingTokenSource(flow Refresher, store TokenStore) TokenSource {
	var mu sync.Mutex
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		tok, ok, err := store.Load(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrNotAuthorized
		}
		if !tok.Expired() {
			return tok.AccessToken, nil
		}
		if tok.RefreshToken == "" {
			return "", ErrNotAuthorized
		}

		fresh, err := flow.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("refresh access token: %w", err)
		}
		if err := store.Save(ctx, fresh); err != nil {
			return "", fmt.Errorf("persist refreshed token: %w", err)
		}
		return fresh.AccessToken, nil
	}
}
