package ledger

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies every not-yet-applied migration under dir, in filename
// order, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB, d dialect, dir string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}
	sub, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return err
	}
	files, err := listMigrationFiles(sub)
	if err != nil {
		return err
	}
	for _, file := range files {
		var exists int
		err := db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`), file).Scan(&exists)
		if err != nil {
			return errors.Wrapf(err, "check migration %s", file)
		}
		if exists > 0 {
			continue
		}
		body, err := fs.ReadFile(sub, file)
		if err != nil {
			return err
		}
		if err := applyMigration(ctx, db, d, file, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, d dialect, file, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return errors.Wrapf(err, "apply migration %s", file)
	}
	if _, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, time.Now().UTC().UnixNano()); err != nil {
		return errors.Wrapf(err, "record migration %s", file)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
