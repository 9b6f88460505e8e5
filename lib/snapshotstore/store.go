// Package snapshotstore persists the last good payload per upstream request
// so read paths can serve stale data while the fetch layer reports the
// upstream unavailable.
package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "embed"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("lib/snapshotstore")

//go:embed schema.sql
var Schema string

var ErrNotFound = errors.New("no snapshot for key")

type Snapshot struct {
	Payload   string
	FetchedAt time.Time
}

type Store struct {
	db *sql.DB

	now func() time.Time
}

func New(database *sql.DB) *Store {
	return &Store{
		db:  database,
		now: time.Now,
	}
}

// Open creates a store backed by the sqlite file at path, applying the
// schema if needed.
func Open(path string) (*Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = database.Exec(Schema)
	if err != nil {
		database.Close()
		return nil, err
	}
	return New(database), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts the payload for (class, key), stamping it with the current
// time.
func (s *Store) Put(ctx context.Context, class, key, payload string) error {
	ctx, span := tracer.Start(ctx, "Put")
	defer span.End()

	span.SetAttributes(
		attribute.String("class", class),
		attribute.String("key", key),
	)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot (class, key, payload, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (class, key)
		DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at
	`, class, key, payload, s.now().Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Get returns the stored snapshot for (class, key), or ErrNotFound.
func (s *Store) Get(ctx context.Context, class, key string) (Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	span.SetAttributes(
		attribute.String("class", class),
		attribute.String("key", key),
	)

	var payload string
	var fetchedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, fetched_at FROM snapshot
		WHERE class = ? AND key = ?
	`, class, key).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}

	return Snapshot{
		Payload:   payload,
		FetchedAt: time.Unix(fetchedAt, 0),
	}, nil
}

// Prune deletes snapshots older than maxAge, returning how many were
// removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, span := tracer.Start(ctx, "Prune")
	defer span.End()

	cutoff := s.now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshot WHERE fetched_at < ?
	`, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("removed", removed))
	return removed, nil
}

// Count reports the number of stored snapshots, per class when class is
// non-empty.
func (s *Store) Count(ctx context.Context, class string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Count")
	defer span.End()

	var n int64
	var err error
	if class == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot WHERE class = ?`, class).Scan(&n)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return n, nil
}
