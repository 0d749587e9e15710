package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calvoice/calvoice/internal/gauth"
)

// PostgresStore persists OAuth credentials in PostgreSQL so the bridge
// survives restarts without a new consent round trip.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// The bridge mediates exactly one calendar account, so a single fixed row
// is enough.
const tokenRowID = "default"

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS oauth_tokens (
		id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init token schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, tok gauth.Token) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_tokens (id, access_token, refresh_token, expiry, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE
		 SET access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     expiry = EXCLUDED.expiry,
		     updated_at = now()`,
		tokenRowID, tok.AccessToken, tok.RefreshToken, tok.Expiry,
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (gauth.Token, bool, error) {
	var tok gauth.Token
	err := s.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, expiry FROM oauth_tokens WHERE id = $1`,
		tokenRowID,
	).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.Expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return gauth.Token{}, false, nil
	}
	if err != nil {
		return gauth.Token{}, false, fmt.Errorf("load token: %w", err)
	}
	return tok, true, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM oauth_tokens WHERE id = $1`, tokenRowID); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
