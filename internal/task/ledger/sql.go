package ledger

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	logx "jobweave/pkg/logx"
)

// dialect papers over the placeholder differences between sqlite and postgres.
type dialect struct {
	name    string
	dollars bool
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", dollars: true}
)

// rebind rewrites '?' placeholders to $n for postgres.
func (d dialect) rebind(q string) string {
	if !d.dollars {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Ledger on database/sql. Updates read the row, apply the
// change, then write it back guarded by "WHERE state = <expected>", so a
// concurrent writer makes the second update affect zero rows.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const runColumns = `seq, id, job_id, cycle, trig, scheduled_at, not_before, started_at, finished_at, state, attempt, retry_of, kind, reason, error, result`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (Run, error) {
	var (
		r                       Run
		seq, cycle              int64
		sched, nb, started, fin int64
		trig, state, kind       string
	)
	if err := sc.Scan(&seq, &r.ID, &r.JobID, &cycle, &trig, &sched, &nb, &started, &fin, &state, &r.Attempt, &r.RetryOf, &kind, &r.Reason, &r.Error, &r.Result); err != nil {
		return Run{}, err
	}
	r.Seq = uint64(seq)
	r.Cycle = uint64(cycle)
	r.Trigger = Trigger(trig)
	r.State = State(state)
	r.Kind = Kind(kind)
	r.ScheduledAt = fromNanos(sched)
	r.NotBefore = fromNanos(nb)
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(fin)
	if len(r.Result) == 0 {
		r.Result = nil
	}
	return r, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *sqlStore) Insert(ctx context.Context, r Run) (Run, error) {
	if err := validateInsert(r); err != nil {
		return Run{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(1) FROM runs WHERE id = ?`), r.ID).Scan(&n); err != nil {
		return Run{}, errors.Wrap(err, "check run id")
	}
	if n > 0 {
		return Run{}, errors.Wrapf(ErrDuplicateRun, "run %s", r.ID)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO runs (id, job_id, cycle, trig, scheduled_at, not_before, started_at, finished_at, state, attempt, retry_of, kind, reason, error, result)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING seq`),
		r.ID, r.JobID, int64(r.Cycle), string(r.Trigger),
		toNanos(r.ScheduledAt), toNanos(r.NotBefore), toNanos(r.StartedAt), toNanos(r.FinishedAt),
		string(r.State), r.Attempt, r.RetryOf, string(r.Kind), r.Reason, r.Error, r.Result,
	).Scan(&seq)
	if err != nil {
		return Run{}, errors.Wrap(err, "insert run")
	}
	if err := tx.Commit(); err != nil {
		return Run{}, err
	}
	r = r.clone()
	r.Seq = uint64(seq)
	return r, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if err != nil {
		return Run{}, errors.Wrap(err, "get run")
	}
	return r, nil
}

func (s *sqlStore) Update(ctx context.Context, id string, expect State, fn func(*Run) error) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRun(tx.QueryRowContext(ctx, s.d.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if err != nil {
		return Run{}, errors.Wrap(err, "load run")
	}
	next, err := applyUpdate(cur, expect, fn)
	if err != nil {
		return Run{}, err
	}

	res, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE runs SET cycle = ?, trig = ?, scheduled_at = ?, not_before = ?, started_at = ?, finished_at = ?,
		 state = ?, attempt = ?, retry_of = ?, kind = ?, reason = ?, error = ?, result = ?
		 WHERE id = ? AND state = ?`),
		int64(next.Cycle), string(next.Trigger), toNanos(next.ScheduledAt), toNanos(next.NotBefore),
		toNanos(next.StartedAt), toNanos(next.FinishedAt), string(next.State), next.Attempt, next.RetryOf,
		string(next.Kind), next.Reason, next.Error, next.Result,
		id, string(expect),
	)
	if err != nil {
		return Run{}, errors.Wrap(err, "update run")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Run{}, err
	}
	if rows != 1 {
		return Run{}, errors.Wrapf(ErrStateConflict, "run %s: lost update race", id)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, err
	}
	return next, nil
}

func (s *sqlStore) List(ctx context.Context, q Query) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if q.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, q.JobID)
	}
	if len(q.States) > 0 {
		ph := make([]string, len(q.States))
		for i, st := range q.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()
	out := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) MaxCycle(ctx context.Context) (uint64, error) {
	var top int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(cycle), 0) FROM runs`).Scan(&top); err != nil {
		return 0, errors.Wrap(err, "max cycle")
	}
	return uint64(top), nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
