// Package store provides the local durable record store for the quid sync
// core, backed by embedded SQLite with WAL mode for concurrent access.
//
// The store is mutated directly by whichever component currently owns the
// write: upload completion, download merge, conflict resolution, or push
// apply. There is no cross-component lock; the per-record sync status and
// timestamps are the single source of truth for who wins.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/quidsync/quid/internal/conflict"
	"github.com/quidsync/quid/internal/record"
)

const timeLayout = time.RFC3339Nano

// Store wraps the SQLite connection with record and conflict persistence.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists (skip for in-memory databases)
	if !strings.Contains(path, ":memory:") {
		dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if !strings.HasPrefix(connStr, "file:") {
		connStr = "file:" + connStr
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the record, conflict, and sync-meta tables if needed.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		vendor TEXT NOT NULL DEFAULT '',
		category_id TEXT,
		note TEXT,
		currency TEXT NOT NULL DEFAULT 'USD',

		-- Device-local fields: populated on this device only, never synced
		raw_text TEXT,
		embedding TEXT,  -- JSON array
		file_path TEXT,
		file_size INTEGER NOT NULL DEFAULT 0,
		file_mime TEXT,

		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_sync_attempt TEXT,
		sync_error TEXT,

		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		local_snapshot TEXT NOT NULL,   -- JSON
		remote_snapshot TEXT NOT NULL,  -- JSON
		diff_fields TEXT NOT NULL,      -- JSON array
		detected_at TEXT NOT NULL,
		resolution TEXT,
		resolved_by TEXT,
		resolved_at TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(sync_status);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts(record_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflicts(resolution);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert inserts or updates a full record, including device-local fields.
// This is the write path for local edits and captures.
func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	embeddingJSON, err := marshalEmbedding(rec.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	query := `
	INSERT INTO records (
		id, date, amount_cents, vendor, category_id, note, currency,
		raw_text, embedding, file_path, file_size, file_mime,
		sync_status, last_sync_attempt, sync_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		date = excluded.date,
		amount_cents = excluded.amount_cents,
		vendor = excluded.vendor,
		category_id = excluded.category_id,
		note = excluded.note,
		currency = excluded.currency,
		raw_text = excluded.raw_text,
		embedding = excluded.embedding,
		file_path = excluded.file_path,
		file_size = excluded.file_size,
		file_mime = excluded.file_mime,
		sync_status = excluded.sync_status,
		last_sync_attempt = excluded.last_sync_attempt,
		sync_error = excluded.sync_error,
		updated_at = excluded.updated_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.Date.Format(timeLayout),
		rec.AmountCents,
		rec.Vendor,
		nullString(rec.CategoryID),
		nullString(rec.Note),
		rec.Currency,
		nullString(rec.RawText),
		embeddingJSON,
		nullString(rec.FilePath),
		rec.FileSize,
		nullString(rec.FileMIME),
		string(rec.SyncStatus),
		timeToNullString(rec.LastSyncAttempt),
		nullString(rec.SyncError),
		rec.CreatedAt.Format(timeLayout),
		rec.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}
	return nil
}

const recordColumns = `id, date, amount_cents, vendor, category_id, note, currency,
	raw_text, embedding, file_path, file_size, file_mime,
	sync_status, last_sync_attempt, sync_error, created_at, updated_at`

// Get retrieves a single record by id.
// Returns sql.ErrNoRows if the record is not found.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// ListByStatus retrieves records with the given sync status, oldest update
// first, limited to limit rows (0 = no limit).
func (s *Store) ListByStatus(ctx context.Context, status record.SyncStatus, limit int) ([]*record.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE sync_status = ? ORDER BY updated_at ASC`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records by status: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListUploadable retrieves records awaiting upload: pending ones first,
// then error-marked ones, so a batch the backend rejected is re-sent on a
// later pass instead of stranded. Validation-quarantined records reappear
// here too; they fail the same local check again and never reach the
// server.
func (s *Store) ListUploadable(ctx context.Context, limit int) ([]*record.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
	WHERE sync_status IN (?, ?)
	ORDER BY CASE sync_status WHEN ? THEN 0 ELSE 1 END, updated_at ASC`
	args := []interface{}{
		string(record.StatusPending), string(record.StatusError),
		string(record.StatusPending),
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploadable records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]*record.Record, error) {
	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

// MarkStatus updates the sync status for a batch of records in one
// statement and stamps last_sync_attempt. syncErr is stored verbatim (empty
// clears any previous error).
func (s *Store) MarkStatus(ctx context.Context, ids []string, status record.SyncStatus, syncErr string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	query := `UPDATE records SET sync_status = ?, sync_error = ?, last_sync_attempt = ? WHERE id IN (` + placeholders + `)`

	args := make([]interface{}, 0, len(ids)+3)
	args = append(args, string(status), nullString(syncErr), time.Now().Format(timeLayout))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %d records %s: %w", len(ids), status, err)
	}
	return nil
}

// InsertFromRemote creates a local record from a remote row. Device-local
// fields stay empty: they were never computed on this device.
func (s *Store) InsertFromRemote(ctx context.Context, rr record.Remote) error {
	return s.Upsert(ctx, record.FromRemote(rr))
}

// ApplyRemoteFields overwrites ONLY the domain fields of an existing local
// record with the remote snapshot, marks it synced, and clears any sync
// error. Device-local fields (raw text, embedding, cached file) are never
// touched by this statement.
func (s *Store) ApplyRemoteFields(ctx context.Context, rr record.Remote) error {
	query := `
	UPDATE records SET
		date = ?,
		amount_cents = ?,
		vendor = ?,
		category_id = ?,
		note = ?,
		currency = ?,
		sync_status = ?,
		sync_error = NULL,
		updated_at = ?
	WHERE id = ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		rr.Date.Format(timeLayout),
		rr.AmountCents,
		rr.Vendor,
		nullString(rr.CategoryID),
		nullString(rr.Note),
		rr.Currency,
		string(record.StatusSynced),
		rr.UpdatedAt.Format(timeLayout),
		rr.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote fields to %s: %w", rr.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("apply remote fields: record %s not found", rr.ID)
	}
	return nil
}

// Delete removes a record. Idempotent: deleting a missing record is not an
// error. The cached file a record references is deliberately not removed.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns the number of records with the given sync status.
func (s *Store) CountByStatus(ctx context.Context, status record.SyncStatus) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE sync_status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records by status: %w", err)
	}
	return count, nil
}

const lastSyncKey = "last_sync_mark"

// LastSyncMark returns the low-water mark: the server timestamp below which
// all remote changes have already been downloaded. Zero time if no sync has
// succeeded yet.
func (s *Store) LastSyncMark(ctx context.Context) (time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync mark: %w", err)
	}

	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last sync mark: %w", err)
	}
	return t, nil
}

// SetLastSyncMark advances the low-water mark.
func (s *Store) SetLastSyncMark(ctx context.Context, t time.Time) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, lastSyncKey, t.Format(timeLayout)); err != nil {
		return fmt.Errorf("failed to set last sync mark: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*record.Record, error) {
	var rec record.Record
	var date, createdAt, updatedAt, syncStatus string
	var categoryID, note, rawText, embedding, filePath, fileMIME, lastAttempt, syncErr sql.NullString

	err := row.Scan(
		&rec.ID,
		&date,
		&rec.AmountCents,
		&rec.Vendor,
		&categoryID,
		&note,
		&rec.Currency,
		&rawText,
		&embedding,
		&filePath,
		&rec.FileSize,
		&fileMIME,
		&syncStatus,
		&lastAttempt,
		&syncErr,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Date, err = time.Parse(timeLayout, date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date for %s: %w", rec.ID, err)
	}
	rec.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", rec.ID, err)
	}
	rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", rec.ID, err)
	}

	rec.CategoryID = categoryID.String
	rec.Note = note.String
	rec.RawText = rawText.String
	rec.FilePath = filePath.String
	rec.FileMIME = fileMIME.String
	rec.SyncStatus = record.SyncStatus(syncStatus)
	rec.SyncError = syncErr.String
	rec.LastSyncAttempt = nullStringToTime(lastAttempt)

	if embedding.Valid && embedding.String != "" && embedding.String != "null" {
		if err := json.Unmarshal([]byte(embedding.String), &rec.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for %s: %w", rec.ID, err)
		}
	}

	return &rec, nil
}

// marshalEmbedding serializes an embedding vector as a JSON array, or NULL
// when the record has none.
func marshalEmbedding(embedding []float32) (sql.NullString, error) {
	if len(embedding) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// Compile-time check: the store satisfies the resolver's persistence needs.
var _ conflict.Store = (*Store)(nil)
