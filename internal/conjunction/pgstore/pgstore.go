// Package pgstore provides a PostgreSQL implementation of conjunction.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perigeelabs/perigee/internal/conjunction"
	"github.com/perigeelabs/perigee/internal/risk"
)

var tracer = otel.Tracer("github.com/perigeelabs/perigee/internal/conjunction/pgstore")

//go:embed schema.sql
var schema string

type txKey struct{}

// Store persists conjunction events in PostgreSQL. Locked serializes
// writers per dedup key through a row lock on conjunction_locks; writes
// racing past it surface as conjunction.ErrConflict for the caller to
// retry.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned
// by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// querier routes statements through the Locked transaction when one is in
// flight on the context.
func (s *Store) querier(ctx context.Context) interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
} {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Locked runs fn inside a transaction that holds the row lock for one
// dedup key. Everything fn writes through this store joins the same
// transaction and commits atomically with the lock release.
func (s *Store) Locked(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pgstore.Locked", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("dedup.key", key),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `INSERT INTO conjunction_locks (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapConflict(fmt.Errorf("seed lock row: %w", err))
	}
	if _, err := tx.Exec(ctx, `SELECT key FROM conjunction_locks WHERE key = $1 FOR UPDATE`, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapConflict(fmt.Errorf("lock key: %w", err))
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapConflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

const eventColumns = `id, primary_id, secondary_norad, secondary_name, secondary_resolved,
	tca, miss_km, risk_index, tier, confidence, active, created_at, updated_at`

// Get retrieves an event by ID with its full update history.
func (s *Store) Get(ctx context.Context, id string) (*conjunction.Event, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM conjunction_events WHERE id = $1`
	e, err := scanEvent(s.querier(ctx).QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	if err := s.loadUpdates(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return e, true, nil
}

// List returns events matching the filter, most recently updated first.
// Update histories are not loaded.
func (s *Store) List(ctx context.Context, f conjunction.ListFilter) ([]*conjunction.Event, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM conjunction_events WHERE TRUE`
	var args []any
	if f.PrimaryID != 0 {
		args = append(args, f.PrimaryID)
		query += ` AND primary_id = $` + strconv.Itoa(len(args))
	}
	if f.ActiveOnly {
		query += ` AND active`
	}
	if f.Tier != "" {
		args = append(args, f.Tier)
		query += ` AND tier = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return events, err
}

// OpenForKey returns every event under one dedup key, histories included,
// newest first.
func (s *Store) OpenForKey(ctx context.Context, key string) ([]*conjunction.Event, error) {
	ctx, span := tracer.Start(ctx, "pgstore.OpenForKey", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM conjunction_events WHERE dedup_key = $1 ORDER BY updated_at DESC`
	rows, err := s.querier(ctx).Query(ctx, query, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("events for key: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, e := range events {
		if err := s.loadUpdates(ctx, e); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return events, nil
}

// Create persists a new event together with its first update.
func (s *Store) Create(ctx context.Context, e *conjunction.Event) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	q := s.querier(ctx)
	query := `INSERT INTO conjunction_events (
		id, dedup_key, primary_id, secondary_norad, secondary_name, secondary_resolved,
		tca, miss_km, risk_index, tier, confidence, active, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := q.Exec(ctx, query,
		e.ID, e.Key(), e.PrimaryID, e.Secondary.NoradID, e.Secondary.Name, e.Secondary.Resolved,
		e.TCA, e.MissKm, e.Index, string(e.Tier), string(e.Confidence), e.Active, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapConflict(fmt.Errorf("insert event: %w", err))
	}

	for i := range e.Updates {
		if err := s.insertUpdate(ctx, e.Updates[i]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// Append adds one update to an existing event and mirrors its snapshot into
// the event's current fields.
func (s *Store) Append(ctx context.Context, eventID string, u conjunction.Update) error {
	ctx, span := tracer.Start(ctx, "pgstore.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	if err := s.insertUpdate(ctx, u); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `UPDATE conjunction_events SET
		tca = $2, miss_km = $3, risk_index = $4, tier = $5, confidence = $6,
		active = TRUE, updated_at = $7
	WHERE id = $1`
	tag, err := s.querier(ctx).Exec(ctx, query,
		eventID, u.TCA, u.MissKm, u.Index, string(u.Tier), string(u.Confidence), u.ComputedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return mapConflict(fmt.Errorf("mirror update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return conjunction.ErrConflict
	}
	return nil
}

// Deactivate clears the active flag on the given events.
func (s *Store) Deactivate(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "pgstore.Deactivate", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	_, err := s.querier(ctx).Exec(ctx, `UPDATE conjunction_events SET active = FALSE WHERE id = ANY($1)`, eventIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deactivate: %w", err)
	}
	return nil
}

// ActiveFutureEvents returns active events for a primary whose current TCA
// is after now. Update histories are not loaded.
func (s *Store) ActiveFutureEvents(ctx context.Context, primaryID int, now time.Time) ([]*conjunction.Event, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ActiveFutureEvents", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + eventColumns + ` FROM conjunction_events
		WHERE primary_id = $1 AND active AND tca > $2`
	rows, err := s.querier(ctx).Query(ctx, query, primaryID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("active future events: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return events, err
}

func (s *Store) insertUpdate(ctx context.Context, u conjunction.Update) error {
	query := `INSERT INTO conjunction_updates (
		id, event_id, tca, miss_km, rel_speed_km_s, risk_index, tier, confidence,
		poc_lite, source_kind, source_ref, source_hash, computed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := s.querier(ctx).Exec(ctx, query,
		u.ID, u.EventID, u.TCA, u.MissKm, u.RelSpeedKmS, u.Index, string(u.Tier), string(u.Confidence),
		u.PoCLite, string(u.SourceKind), u.SourceRef, u.SourceHash, u.ComputedAt,
	)
	if err != nil {
		return mapConflict(fmt.Errorf("insert update: %w", err))
	}
	return nil
}

func (s *Store) loadUpdates(ctx context.Context, e *conjunction.Event) error {
	query := `SELECT id, event_id, tca, miss_km, rel_speed_km_s, risk_index, tier, confidence,
		poc_lite, source_kind, source_ref, source_hash, computed_at
	FROM conjunction_updates WHERE event_id = $1 ORDER BY computed_at, id`
	rows, err := s.querier(ctx).Query(ctx, query, e.ID)
	if err != nil {
		return fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u conjunction.Update
		var tier, confidence, kind string
		if err := rows.Scan(&u.ID, &u.EventID, &u.TCA, &u.MissKm, &u.RelSpeedKmS, &u.Index,
			&tier, &confidence, &u.PoCLite, &kind, &u.SourceRef, &u.SourceHash, &u.ComputedAt); err != nil {
			return fmt.Errorf("scan update: %w", err)
		}
		u.Tier = risk.Tier(tier)
		u.Confidence = risk.Confidence(confidence)
		u.SourceKind = conjunction.SourceKind(kind)
		e.Updates = append(e.Updates, u)
	}
	return rows.Err()
}

func scanEvent(row pgx.Row) (*conjunction.Event, error) {
	var e conjunction.Event
	var tier, confidence string
	err := row.Scan(&e.ID, &e.PrimaryID, &e.Secondary.NoradID, &e.Secondary.Name, &e.Secondary.Resolved,
		&e.TCA, &e.MissKm, &e.Index, &tier, &confidence, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Tier = risk.Tier(tier)
	e.Confidence = risk.Confidence(confidence)
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*conjunction.Event, error) {
	var out []*conjunction.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// mapConflict translates serialization failures, deadlocks, and unique
// violations into the retryable conflict sentinel.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return conjunction.ErrConflict
		}
	}
	return err
}
