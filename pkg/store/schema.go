package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the task schema this binary writes.
const SchemaVersion = "1.1.0"

var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

type migration struct {
	version string
	stmts   []string
}

// migrations are applied in order; each is idempotent.
var migrations = []migration{
	{
		version: "1.0.0",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	resource_key TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	claim_epoch BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	scheduled_at BIGINT NOT NULL,
	claimed_at BIGINT,
	claimed_by TEXT,
	last_heartbeat_at BIGINT,
	completed_at BIGINT,
	last_error TEXT,
	result TEXT,
	dedupe_key TEXT
)`,
			`CREATE INDEX IF NOT EXISTS tasks_claim_idx ON tasks (status, scheduled_at, created_at)`,
			`CREATE INDEX IF NOT EXISTS tasks_resource_idx ON tasks (resource_key, status)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS tasks_dedupe_idx ON tasks (dedupe_key)
	WHERE dedupe_key IS NOT NULL AND status IN ('PENDING', 'IN_PROGRESS', 'DEAD_LETTER')`,
		},
	},
	{
		version: "1.1.0",
		stmts: []string{
			`ALTER TABLE tasks ADD COLUMN flagged_at BIGINT`,
		},
	},
}

const metaSchema = `CREATE TABLE IF NOT EXISTS schema_meta (
	name TEXT PRIMARY KEY,
	version TEXT NOT NULL
)`

// Migrate brings the tasks schema up to SchemaVersion. It refuses to touch a
// database whose major version is ahead of this binary.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, metaSchema); err != nil {
		return fmt.Errorf("failed to create schema_meta: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	target := semver.MustParse(SchemaVersion)
	if current != nil && current.Major() > target.Major() {
		return fmt.Errorf("%w: database %s, binary %s", ErrSchemaTooNew, current, target)
	}

	for _, m := range migrations {
		v := semver.MustParse(m.version)
		if current != nil && !v.GreaterThan(current) {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, v); err != nil {
			return err
		}
		s.log.InfoContext(ctx, "schema migrated", "version", v.String())
	}
	return nil
}

func (s *SQLStore) schemaVersion(ctx context.Context) (*semver.Version, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE name = 'tasks'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid stored schema version %q: %w", raw, err)
	}
	return v, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, v *semver.Version) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_meta (name, version) VALUES ('tasks', $1)
		ON CONFLICT (name) DO UPDATE SET version = excluded.version
	`, v.String())
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
