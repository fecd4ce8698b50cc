// Package staging is the durable holding area between a change-stream
// source and the applier. Events are written here before they are applied,
// so the pipeline can replay after a crash and absorb at-least-once
// redelivery from the upstream capture mechanism.
//
// One store file belongs to exactly one replication session: a single
// staging writer and a single applier reader. Individual operations are
// atomic (the checkpoint and the records it covers commit together), but no
// multi-writer coordination exists or is needed.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/mkarslan/pgshift/internal/cursor"
	"github.com/mkarslan/pgshift/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS staged_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name  TEXT    NOT NULL,
	pk          TEXT    NOT NULL,
	op          TEXT    NOT NULL,
	row_json    TEXT,
	channel     TEXT    NOT NULL,
	commit_seq  INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	staged_at   INTEGER NOT NULL,
	applied_at  INTEGER,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	UNIQUE (table_name, pk, channel, commit_seq)
);
CREATE INDEX IF NOT EXISTS idx_staged_unapplied
	ON staged_events (commit_seq, id) WHERE applied_at IS NULL;
CREATE TABLE IF NOT EXISTS checkpoints (
	name       TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Record is a staged change event plus its apply bookkeeping.
type Record struct {
	ID        int64
	Event     event.ChangeEvent
	StagedAt  time.Time
	AppliedAt *time.Time
	Attempts  int
	LastError string
}

// Store is a SQLite-backed staging store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the staging store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("staging: open %s: %w", path, err)
	}
	// A single connection serializes writer and reader; the store's
	// contract is single-writer anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("staging: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("staging: create schema: %w", err)
	}
	logger.Info("staging store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append durably stages an event. It is idempotent under redelivery of the
// same (table, key, commit token): a duplicate coalesces to the latest row
// image instead of staging a second record, and never touches apply
// bookkeeping that may already exist.
func (s *Store) Append(ctx context.Context, ev event.ChangeEvent) (Record, error) {
	var rowJSON sql.NullString
	if ev.Row != nil {
		b, err := json.Marshal(ev.Row)
		if err != nil {
			return Record{}, fmt.Errorf("staging: encode row image: %w", err)
		}
		rowJSON = sql.NullString{String: string(b), Valid: true}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO staged_events
			(table_name, pk, op, row_json, channel, commit_seq, received_at, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, pk, channel, commit_seq) DO UPDATE SET
			op = excluded.op,
			row_json = excluded.row_json`,
		ev.Table, ev.KeyString(), ev.Op.String(), rowJSON,
		ev.Channel, ev.CommitSeq, ev.ReceivedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("staging: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("staging: append id: %w", err)
	}
	return s.get(ctx, id, ev.Table, ev.KeyString(), ev.Channel, ev.CommitSeq)
}

func (s *Store) get(ctx context.Context, id int64, table, pk, channel string, seq uint64) (Record, error) {
	// LastInsertId is not meaningful after an ON CONFLICT update, so
	// re-read by the dedup key when in doubt.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, pk, op, row_json, channel, commit_seq,
		       received_at, staged_at, applied_at, attempts, COALESCE(last_error, '')
		FROM staged_events
		WHERE table_name = ? AND pk = ? AND channel = ? AND commit_seq = ?`,
		table, pk, channel, seq)
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("staging: read back record %d: %w", id, err)
	}
	return rec, nil
}

// NextUnapplied returns the next batch of records pending apply, ordered by
// commit token then arrival order for ties.
func (s *Store) NextUnapplied(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, pk, op, row_json, channel, commit_seq,
		       received_at, staged_at, applied_at, attempts, COALESCE(last_error, '')
		FROM staged_events
		WHERE applied_at IS NULL
		ORDER BY commit_seq, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("staging: next unapplied: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("staging: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkApplied records a successful apply of rec and atomically advances the
// named checkpoint to the target cursor the apply committed under.
func (s *Store) MarkApplied(ctx context.Context, rec Record, checkpoint string, cur cursor.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("staging: mark applied: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		UPDATE staged_events
		SET applied_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE id = ?`, now, rec.ID); err != nil {
		return fmt.Errorf("staging: mark applied %d: %w", rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (name, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		checkpoint, cur.String(), now); err != nil {
		return fmt.Errorf("staging: save checkpoint %q: %w", checkpoint, err)
	}
	return tx.Commit()
}

// MarkFailed records a failed apply attempt against the record.
func (s *Store) MarkFailed(ctx context.Context, rec Record, applyErr error) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE staged_events
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`, applyErr.Error(), rec.ID); err != nil {
		return fmt.Errorf("staging: mark failed %d: %w", rec.ID, err)
	}
	return nil
}

// Backlog counts records staged but not yet applied.
func (s *Store) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staged_events WHERE applied_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("staging: backlog: %w", err)
	}
	return n, nil
}

// Checkpoint returns the durably stored cursor under name, or the null
// cursor if none was saved yet.
func (s *Store) Checkpoint(ctx context.Context, name string) (cursor.Cursor, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM checkpoints WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return cursor.Cursor{}, nil
	}
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("staging: read checkpoint %q: %w", name, err)
	}
	return cursor.Parse(raw)
}

// SaveCheckpoint stores a cursor under name outside of any apply, used to
// seed a session's resume position.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, cur cursor.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		name, cur.String(), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("staging: save checkpoint %q: %w", name, err)
	}
	return nil
}

// Purge deletes applied records older than the retention window. The
// operator invoking purge is the acknowledgement that the covered
// checkpoint is safe to forget.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_events WHERE applied_at IS NOT NULL AND applied_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("staging: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("purged applied staging records", zap.Int64("count", n))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner) (Record, error) {
	var (
		rec        Record
		rowJSON    sql.NullString
		op         string
		receivedAt int64
		stagedAt   int64
		appliedAt  sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.Event.Table, &pkScan{&rec.Event}, &op, &rowJSON,
		&rec.Event.Channel, &rec.Event.CommitSeq, &receivedAt, &stagedAt,
		&appliedAt, &rec.Attempts, &rec.LastError)
	if err != nil {
		return Record{}, err
	}
	rec.Event.Op = parseOp(op)
	if rowJSON.Valid {
		if err := json.Unmarshal([]byte(rowJSON.String), &rec.Event.Row); err != nil {
			return Record{}, err
		}
	}
	rec.Event.ReceivedAt = time.Unix(0, receivedAt).UTC()
	rec.StagedAt = time.Unix(0, stagedAt).UTC()
	if appliedAt.Valid {
		t := time.Unix(0, appliedAt.Int64).UTC()
		rec.AppliedAt = &t
	}
	return rec, nil
}

// pkScan splits the stored key string back into the key tuple.
type pkScan struct{ ev *event.ChangeEvent }

func (p *pkScan) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("staging: pk column is %T, want string", src)
	}
	p.ev.Key = splitKey(s)
	return nil
}

func splitKey(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1f' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func parseOp(s string) event.Op {
	switch s {
	case "insert":
		return event.OpInsert
	case "update":
		return event.OpUpdate
	case "delete":
		return event.OpDelete
	default:
		return event.OpUnknown
	}
}
