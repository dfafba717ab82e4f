// Package opstore implements the durable, append-only CRDT op log: a
// Postgres table keyed by (roomId, seq) with a contention-safe per-room
// monotonic sequence, range scan for cold replay, and optional compaction
// by truncation. *sql.DB is driven directly via lib/pq with raw SQL and
// $-placeholders; the sequence claim uses SELECT ... FOR UPDATE inside a
// transaction so concurrent writers to the same room never race on seq.
package opstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/collabpod/pod/internal/crdt"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// ErrOpStoreUnavailable wraps any underlying database failure, surfaced as
// the OpStoreUnavailable error kind.
var ErrOpStoreUnavailable = errors.New("opstore: unavailable")

// OpRecord is one durably stored CRDT update.
type OpRecord struct {
	RoomID string
	Seq    int64
	SiteID string
	Bytes  []byte
	Ts     time.Time
}

// Store is the Postgres-backed op store.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and applies pending migrations from the
// embedded SQL files using golang-migrate/v4.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}

	if err := applyMigrations(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(embeddedMigrations, ".")
	if err != nil {
		return fmt.Errorf("opstore: migration source: %w", err)
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("opstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("opstore: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("opstore: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the store is reachable, used by the pod's health
// check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}
	return nil
}

// Append durably assigns and stores the next sequence for roomID and
// returns it. Callers must not apply bytes to the in-memory document
// until Append returns successfully.
func (s *Store) Append(ctx context.Context, roomID, siteID string, bytes []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_op_seq (room_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`, roomID,
	); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM room_op_seq WHERE room_id = $1 FOR UPDATE`, roomID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE room_op_seq SET next_seq = next_seq + 1 WHERE room_id = $1`, roomID,
	); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ops (room_id, seq, site_id, bytes, ts) VALUES ($1, $2, $3, $4, now())`,
		roomID, seq, siteID, bytes,
	); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}

	return seq, nil
}

// RangeScan returns every op for roomID with seq > fromSeq, in order, for
// cold replay. The query is index-backed on (room_id, seq) so it is O(k)
// in the returned count.
func (s *Store) RangeScan(ctx context.Context, roomID string, fromSeq int64) ([]OpRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, seq, site_id, bytes, ts FROM ops
		 WHERE room_id = $1 AND seq > $2
		 ORDER BY seq ASC`, roomID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}
	defer rows.Close()

	var out []OpRecord
	for rows.Next() {
		var rec OpRecord
		if err := rows.Scan(&rec.RoomID, &rec.Seq, &rec.SiteID, &rec.Bytes, &rec.Ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TruncateBefore deletes every op for roomID with seq < seq, an optional
// compaction operation.
func (s *Store) TruncateBefore(ctx context.Context, roomID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ops WHERE room_id = $1 AND seq < $2`, roomID, seq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpStoreUnavailable, err)
	}
	return nil
}

// LoadDocument implements podserver.RoomLoader: it replays every stored op
// for roomID into a fresh CRDT document, used to activate a room that has
// no in-memory state yet.
func (s *Store) LoadDocument(roomID string) (*crdt.Document, error) {
	ctx := context.Background()
	records, err := s.RangeScan(ctx, roomID, 0)
	if err != nil {
		return nil, err
	}

	doc := crdt.New()
	for _, rec := range records {
		if err := doc.Apply(rec.Bytes); err != nil {
			return nil, fmt.Errorf("opstore: replay room %q seq %d: %w", roomID, rec.Seq, err)
		}
	}
	return doc, nil
}
