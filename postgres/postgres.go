package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements pixelflow.KV using PostgreSQL via pgx. Every key is a
// row of pixelflow_kv with its value stored as JSONB.
type PGStore struct {
	db *pgxpool.Pool
}

// New creates a new PGStore backed by the given pgx connection pool.
func New(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Open connects to dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pixelflow: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pixelflow: ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pixelflow: create schema: %w", err)
	}
	return s, nil
}

// Get decodes the value stored under key into out.
// Returns false, nil if the key does not exist.
func (s *PGStore) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM pixelflow_kv WHERE key = $1`, key,
	).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("pixelflow: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("pixelflow: decode %s: %w", key, err)
	}
	return true, nil
}

// Set inserts or replaces the value of key.
func (s *PGStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pixelflow: encode %s: %w", key, err)
	}
	if _, err := s.db.Exec(ctx, upsertSQL, key, raw); err != nil {
		return fmt.Errorf("pixelflow: set %s: %w", key, err)
	}
	return nil
}

// SetMany writes all entries in one transaction.
func (s *PGStore) SetMany(ctx context.Context, entries map[string]any) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pixelflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for key, value := range entries {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("pixelflow: encode %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx, upsertSQL, key, raw); err != nil {
			return fmt.Errorf("pixelflow: set %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pixelflow: commit: %w", err)
	}
	return nil
}

// Del deletes key. No error if the key doesn't exist.
func (s *PGStore) Del(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM pixelflow_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("pixelflow: delete %s: %w", key, err)
	}
	return nil
}

// Keys returns every key starting with prefix, in key order.
// Returns an empty slice (not nil) if none found.
func (s *PGStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key FROM pixelflow_kv WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("pixelflow: list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("pixelflow: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pixelflow: rows keys: %w", err)
	}
	return keys, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

const upsertSQL = `
INSERT INTO pixelflow_kv (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
