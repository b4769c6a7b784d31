package ledger

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	logx "jobweave/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger.dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithHint(errors.Wrap(err, "ping postgres"), "check ledger.dsn")
	}
	if err := migrate(ctx, db, dialectPostgres, "postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres ledger opened")
	return &sqlStore{db: db, d: dialectPostgres, log: log}, nil
}
