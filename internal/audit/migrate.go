// Package audit persists the reconciliation ledger: every warehouse
// mutation, every detected divergence, and every processing session.
package audit

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockKey serializes migration runs across processes, so an
// overlapping deploy waits instead of racing the DDL.
const migrationLockKey = 4178202

const trackingDDL = `
CREATE SCHEMA IF NOT EXISTS audit;
CREATE TABLE IF NOT EXISTS audit.schema_migrations (
	id         SERIAL PRIMARY KEY,
	filename   TEXT NOT NULL UNIQUE,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Migrate brings the audit schema up to date. Files embedded under
// migrations/ apply in filename order; each applied file is recorded in
// audit.schema_migrations so reruns are no-ops.
func Migrate(ctx context.Context, pool db.Pool) error {
	m := &migrator{
		pool: pool,
		log:  zap.L().With(zap.String("component", "audit.migrate")),
	}

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "audit: acquire migration lock")
	}
	defer m.unlock(ctx)

	return m.run(ctx)
}

type migrator struct {
	pool db.Pool
	log  *zap.Logger
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, trackingDDL); err != nil {
		return eris.Wrap(err, "audit: ensure migration tracking table")
	}

	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		m.log.Info("audit schema up to date")
		return nil
	}

	for _, name := range pending {
		if err := m.apply(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// pending returns the embedded migration filenames not yet recorded,
// sorted so zero-padded numeric prefixes apply in order.
func (m *migrator) pending(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx, "SELECT filename FROM audit.schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "audit: read applied migrations")
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "audit: scan applied migration")
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "audit: read applied migrations")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "audit: read embedded migrations")
	}

	var names []string
	for _, entry := range entries {
		if !applied[entry.Name()] {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *migrator) apply(ctx context.Context, name string) error {
	body, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return eris.Wrapf(err, "audit: read migration %s", name)
	}

	if _, err := m.pool.Exec(ctx, string(body)); err != nil {
		return eris.Wrapf(err, "audit: apply migration %s", name)
	}
	if _, err := m.pool.Exec(ctx,
		"INSERT INTO audit.schema_migrations (filename, applied_at) VALUES ($1, now())",
		name,
	); err != nil {
		return eris.Wrapf(err, "audit: record migration %s", name)
	}

	m.log.Info("migration applied", zap.String("file", name))
	return nil
}

func (m *migrator) unlock(ctx context.Context) {
	if _, err := m.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
		m.log.Warn("failed to release migration lock", zap.Error(err))
	}
}
