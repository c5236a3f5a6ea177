// Package pgstore provides a PostgreSQL implementation of lifecycle.StatusStore.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/lifecycle"
)

var tracer = otel.Tracer("github.com/linnemanlabs/idswatch/internal/lifecycle/pgstore")

//go:embed schema.sql
var schema string

// Store persists status transitions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append inserts one record. Re-inserting an existing id is a no-op.
func (s *Store) Append(ctx context.Context, rec *lifecycle.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Append", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO status_events (id, alert_key, from_status, to_status, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Key, string(rec.From), string(rec.To), rec.Actor, rec.At,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert status event: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Latest returns the most recent target status per key.
func (s *Store) Latest(ctx context.Context) (map[string]alert.Status, error) {
	ctx, span := startSpan(ctx, "pgstore.Latest", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (alert_key) alert_key, to_status
		 FROM status_events
		 ORDER BY alert_key, created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query latest: %w", err))
	}
	defer rows.Close()

	out := make(map[string]alert.Status)
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			return nil, fail(span, fmt.Errorf("scan latest: %w", err))
		}
		out[key] = alert.Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate latest: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// History returns the records for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]lifecycle.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.History", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, alert_key, from_status, to_status, actor, created_at
		 FROM status_events WHERE alert_key = $1
		 ORDER BY created_at, id`,
		key,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query history: %w", err))
	}

	out, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan history: %w", err))
	}
	if out == nil {
		out = []lifecycle.Record{}
	}
	return out, nil
}

func scanRecord(row pgx.CollectableRow) (lifecycle.Record, error) {
	var (
		r        lifecycle.Record
		from, to string
		at       time.Time
	)
	if err := row.Scan(&r.ID, &r.Key, &from, &to, &r.Actor, &at); err != nil {
		return lifecycle.Record{}, err
	}
	r.From = alert.Status(from)
	r.To = alert.Status(to)
	r.At = at.UTC()
	return r, nil
}
