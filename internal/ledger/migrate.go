package ledger

import (
	"context"
	"embed"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sis-migrate/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockKey serializes concurrent `ledger migrate` runs.
const migrationLockKey = 5120417

const migrationsTableDDL = `
	CREATE SCHEMA IF NOT EXISTS ledger;
	CREATE TABLE IF NOT EXISTS ledger.schema_migrations (
		id         SERIAL PRIMARY KEY,
		filename   TEXT NOT NULL UNIQUE,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

type migration struct {
	name string
	sql  string
}

// loadMigrations returns the embedded migrations sorted by file name.
func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, eris.Wrap(err, "ledger: list migrations")
	}
	slices.Sort(names)

	out := make([]migration, 0, len(names))
	for _, n := range names {
		body, err := migrationFS.ReadFile(n)
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: read migration %s", n)
		}
		out = append(out, migration{name: path.Base(n), sql: string(body)})
	}
	return out, nil
}

// migrate brings the Postgres ledger schema up to date. Runs hold a
// session advisory lock for their whole duration.
func migrate(ctx context.Context, pool db.Pool) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "ledger: take migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
			zap.L().Warn("ledger: migration advisory lock not released", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, migrationsTableDDL); err != nil {
		return eris.Wrap(err, "ledger: create schema_migrations")
	}

	rows, err := pool.Query(ctx, "SELECT filename FROM ledger.schema_migrations")
	if err != nil {
		return eris.Wrap(err, "ledger: list applied migrations")
	}
	done, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return eris.Wrap(err, "ledger: list applied migrations")
	}

	for _, m := range all {
		if slices.Contains(done, m.name) {
			continue
		}
		if err := applyMigration(ctx, pool, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, q db.Querier, m migration) error {
	zap.L().Info("ledger: applying migration", zap.String("file", m.name))
	if _, err := q.Exec(ctx, m.sql); err != nil {
		return eris.Wrapf(err, "ledger: apply migration %s", m.name)
	}
	_, err := q.Exec(ctx, "INSERT INTO ledger.schema_migrations (filename, applied_at) VALUES ($1, now())", m.name)
	return eris.Wrapf(err, "ledger: record migration %s", m.name)
}
