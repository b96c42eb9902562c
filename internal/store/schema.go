package store

import (
	"context"
	"fmt"
)

// SchemaVersion is the compiled-in schema marker persisted through the
// DatabaseVersion setting. Bump it when tableColumns changes shape.
const SchemaVersion = "1"

// tableColumns drives the additive schema upgrade: every table gets an
// auto-increment _id primary key plus these columns. Columns are only ever
// added, never dropped.
var tableColumns = []struct {
	table   string
	columns [][2]string // name, SQL type with default
}{
	{"settings", [][2]string{
		{"key", "TEXT NOT NULL DEFAULT ''"},
		{"value", "TEXT NOT NULL DEFAULT ''"},
		{"admin_only", "BOOLEAN NOT NULL DEFAULT FALSE"},
	}},
	{"users", [][2]string{
		{"name", "TEXT NOT NULL DEFAULT ''"},
		{"email", "TEXT NOT NULL DEFAULT ''"},
		{"password", "TEXT NOT NULL DEFAULT ''"},
		{"permissions", "BIGINT NOT NULL DEFAULT 0"},
		{"priority", "BIGINT NOT NULL DEFAULT 0"},
		{"limits", "TEXT NOT NULL DEFAULT '0\n0\n0\n0\n0'"},
		{"last_login", "TIMESTAMPTZ"},
	}},
	{"tokens", [][2]string{
		{"token", "TEXT NOT NULL DEFAULT ''"},
		{"user_name", "TEXT NOT NULL DEFAULT ''"},
		{"valid_until", "TIMESTAMPTZ NOT NULL DEFAULT NOW()"},
	}},
	{"tasks", [][2]string{
		{"user_id", "BIGINT NOT NULL DEFAULT 0"},
		{"command", "TEXT NOT NULL DEFAULT ''"},
		{"arguments", "TEXT NOT NULL DEFAULT ''"},
		{"working_directory", "TEXT NOT NULL DEFAULT ''"},
		{"uid", "BIGINT NOT NULL DEFAULT 1"},
		{"gid", "BIGINT NOT NULL DEFAULT 1"},
		{"nice", "BIGINT NOT NULL DEFAULT 0"},
		{"limits", "TEXT NOT NULL DEFAULT '0\n0\n0\n0\n0'"},
		{"start_time", "TIMESTAMPTZ"},
		{"end_time", "TIMESTAMPTZ"},
	}},
}

// EnsureSchema creates missing tables and adds missing columns. Existing
// rows survive untouched; failure here is fatal to daemon startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, t := range tableColumns {
		create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (_id BIGSERIAL PRIMARY KEY)", t.table)
		if _, err := s.db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.table, err)
		}

		for _, col := range t.columns {
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", t.table, col[0], col[1])
			if _, err := s.db.ExecContext(ctx, alter); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", t.table, col[0], err)
			}
		}
	}

	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_users_name ON users (name)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_settings_key ON settings (LOWER(key))",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_token ON tokens (token)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id)",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// EnsureAdministrator inserts the bootstrap administrator on first run.
// The password arrives pre-hashed from configuration.
func (s *Store) EnsureAdministrator(ctx context.Context, name, passwordHash string, permissions int64) error {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to check administrator: %w", err)
	}
	if count > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, password, permissions, priority, limits)
		 VALUES ($1, '', $2, $3, 0, '0
0
0
0
0')`,
		name, passwordHash, permissions)
	if err != nil {
		return fmt.Errorf("failed to insert administrator: %w", err)
	}

	s.logger.Info().Str("name", name).Msg("bootstrap administrator created")
	return nil
}
