// Package ledger is the durable record of job runs.
//
// Runs are appended once and then only moved forward through their
// lifecycle by per-record compare-and-set updates; nothing is ever deleted.
// Backends:
//   - "memory": process-local, for tests and ephemeral use
//   - "file": JSON Lines journal + periodic snapshot
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL through the pgx database/sql driver
package ledger
