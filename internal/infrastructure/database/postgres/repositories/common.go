// Package repositories implements the domain repositories on PostgreSQL
// through pgx. Every repository accepts a DBTX so it can run against the
// pool or inside a caller's transaction.
package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	appErrors "github.com/turtacn/CareCircle/pkg/errors"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// scanner abstracts pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const pgUniqueViolation = "23505"

// Option configures a repository.
type Option func(*base)

// WithMetrics records query latency and failures.
func WithMetrics(m *prometheus.CareMetrics) Option {
	return func(b *base) { b.metrics = m }
}

type base struct {
	db      DBTX
	logger  logging.Logger
	metrics *prometheus.CareMetrics
}

func newBase(db DBTX, log logging.Logger, opts []Option) base {
	if log == nil {
		log = logging.NewNopLogger()
	}
	b := base{db: db, logger: log}
	for _, o := range opts {
		o(&b)
	}
	return b
}

func (b *base) observe(op string, start time.Time, err error) {
	if b.metrics != nil {
		b.metrics.RecordDBQuery(op, time.Since(start), err)
	}
}

// translate maps driver errors onto the application taxonomy. A missing row
// becomes notFound; an AppError passes through untouched.
func translate(err error, notFound appErrors.ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return appErrors.New(notFound, msg)
	}
	if isUniqueViolation(err, "") {
		return appErrors.Wrap(err, appErrors.ErrCodeConflict, msg)
	}
	return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, msg)
}

// isUniqueViolation reports a 23505; a non-empty constraint must match too.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func strs(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyToNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.CodeSerialization, "failed to encode json column")
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return appErrors.Wrap(err, appErrors.CodeSerialization, "failed to decode json column")
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
