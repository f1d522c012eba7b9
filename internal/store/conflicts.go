package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quidsync/quid/internal/conflict"
)

// InsertConflict persists a detected conflict with snapshots of both
// sides, so it can be shown and resolved long after the remote row that
// triggered it is gone. The local snapshot goes through the record's JSON
// tags, so device-local fields (raw text, embedding, cached file) are
// deliberately left out: they never differ between sides and have no place
// in a table a support bundle might export.
func (s *Store) InsertConflict(ctx context.Context, c *conflict.Record) error {
	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote snapshot: %w", err)
	}
	diffJSON, err := json.Marshal(c.DiffFields)
	if err != nil {
		return fmt.Errorf("failed to marshal diff fields: %w", err)
	}

	query := `
	INSERT INTO conflicts (id, record_id, local_snapshot, remote_snapshot, diff_fields, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.conn.ExecContext(ctx, query,
		c.ID,
		c.RecordID,
		string(localJSON),
		string(remoteJSON),
		string(diffJSON),
		c.DetectedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict for record %s: %w", c.RecordID, err)
	}
	return nil
}

const conflictColumns = `id, record_id, local_snapshot, remote_snapshot, diff_fields,
	detected_at, resolution, resolved_by, resolved_at`

// GetConflict retrieves a single conflict by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetConflict(ctx context.Context, id string) (*conflict.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// ListConflicts retrieves conflicts, newest first. With onlyUnresolved set,
// resolved conflicts are filtered out.
func (s *Store) ListConflicts(ctx context.Context, onlyUnresolved bool) ([]*conflict.Record, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if onlyUnresolved {
		query += ` WHERE resolution IS NULL`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	return collectConflicts(rows)
}

// ConflictsForRecord retrieves all conflicts for one record, newest first.
func (s *Store) ConflictsForRecord(ctx context.Context, recordID string) ([]*conflict.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE record_id = ? ORDER BY detected_at DESC`,
		recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for record %s: %w", recordID, err)
	}
	defer rows.Close()

	return collectConflicts(rows)
}

// MarkConflictResolved stamps the resolution onto an unresolved conflict.
// A conflict that is already resolved, or missing, is an error: resolution
// happens exactly once.
func (s *Store) MarkConflictResolved(ctx context.Context, id string, res conflict.Side, by conflict.ResolvedBy, at time.Time) error {
	query := `
	UPDATE conflicts SET resolution = ?, resolved_by = ?, resolved_at = ?
	WHERE id = ? AND resolution IS NULL
	`
	result, err := s.conn.ExecContext(ctx, query,
		string(res), string(by), at.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict %s resolved: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conflict update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s not found or already resolved", id)
	}
	return nil
}

// ClearResolvedConflicts deletes resolved conflicts and returns how many
// were removed. Unresolved conflicts are never touched.
func (s *Store) ClearResolvedConflicts(ctx context.Context) (int, error) {
	result, err := s.conn.ExecContext(ctx,
		`DELETE FROM conflicts WHERE resolution IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear resolved conflicts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared conflicts: %w", err)
	}
	return int(n), nil
}

func collectConflicts(rows *sql.Rows) ([]*conflict.Record, error) {
	var conflicts []*conflict.Record
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func scanConflict(row scanner) (*conflict.Record, error) {
	var c conflict.Record
	var localJSON, remoteJSON, diffJSON, detectedAt string
	var resolution, resolvedBy, resolvedAt sql.NullString

	err := row.Scan(
		&c.ID,
		&c.RecordID,
		&localJSON,
		&remoteJSON,
		&diffJSON,
		&detectedAt,
		&resolution,
		&resolvedBy,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(localJSON), &c.Local); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local snapshot for conflict %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(remoteJSON), &c.Remote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote snapshot for conflict %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(diffJSON), &c.DiffFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diff fields for conflict %s: %w", c.ID, err)
	}

	c.DetectedAt, err = time.Parse(timeLayout, detectedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse detected_at for conflict %s: %w", c.ID, err)
	}

	c.Resolution = conflict.Side(resolution.String)
	c.ResolvedBy = conflict.ResolvedBy(resolvedBy.String)
	c.ResolvedAt = nullStringToTime(resolvedAt)

	return &c, nil
}
