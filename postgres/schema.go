package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pixelflow_kv (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_pixelflow_kv_updated_at ON pixelflow_kv(updated_at);
`

// CreateSchema creates the pixelflow_kv table if it doesn't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops the pixelflow_kv table.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS pixelflow_kv CASCADE;`)
	return err
}
