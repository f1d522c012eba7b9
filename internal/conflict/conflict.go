// Package conflict detects and resolves divergence between locally-pending
// records and newer remote versions.
//
// A conflict is raised only when all three hold: the local record is
// pending, the remote row's server timestamp is newer than the local
// updated-at, and at least one domain field actually differs. Resolution is
// last-writer-wins by default, overridable per conflict by the user.
package conflict

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quidsync/quid/internal/record"
)

// Side names the winning side of a resolution.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// ResolvedBy names who resolved a conflict.
type ResolvedBy string

const (
	ResolvedByUser ResolvedBy = "user"
	ResolvedByAuto ResolvedBy = "auto"
)

// Strategy configures automatic resolution behavior.
type Strategy string

const (
	// StrategyNewest picks whichever side's timestamp is greater.
	StrategyNewest Strategy = "newest"
	// StrategyLocal always keeps the local version.
	StrategyLocal Strategy = "local"
	// StrategyRemote always takes the remote version.
	StrategyRemote Strategy = "remote"
	// StrategyAsk leaves the conflict unresolved for the user.
	StrategyAsk Strategy = "ask"
)

// Record captures one detected divergence: full field-level snapshots of
// both sides, the names of the differing fields, and the resolution once
// one is applied. Resolved conflicts are retained for audit until
// explicitly cleared.
type Record struct {
	ID         string        `json:"id"`
	RecordID   string        `json:"record_id"`
	Local      record.Record `json:"local"`
	Remote     record.Remote `json:"remote"`
	DiffFields []string      `json:"diff_fields"`
	DetectedAt time.Time     `json:"detected_at"`

	Resolution Side       `json:"resolution,omitempty"` // empty while pending
	ResolvedBy ResolvedBy `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether this conflict has been resolved.
func (c *Record) Resolved() bool {
	return c.Resolution != ""
}

// Detect compares a locally-pending record against a remote row.
//
// Returns nil unless local is pending, the remote server timestamp is
// strictly newer than the local updated-at, and at least one domain field
// differs. Identical domain fields never conflict, even with differing
// timestamps.
func Detect(local *record.Record, remote record.Remote) *Record {
	if local == nil {
		// Nothing on this device to conflict with; the caller inserts
		// the remote row as a fresh record.
		return nil
	}
	if local.SyncStatus != record.StatusPending {
		return nil
	}
	if !remote.ServerUpdatedAt.After(local.UpdatedAt) {
		return nil
	}
	diff := record.DiffDomainFields(*local, remote)
	if len(diff) == 0 {
		return nil
	}
	return &Record{
		ID:         uuid.NewString(),
		RecordID:   local.ID,
		Local:      *local,
		Remote:     remote,
		DiffFields: diff,
		DetectedAt: time.Now(),
	}
}

// AutoSide picks the winning side for a conflict under a fixed strategy.
// StrategyAsk has no automatic side and returns ("", false).
func AutoSide(c *Record, strategy Strategy) (Side, bool) {
	switch strategy {
	case StrategyNewest:
		// Compare the edit times of the two snapshots, not the server
		// receipt time: an old edit that reached the server late should
		// not beat a newer local one.
		if c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
			return SideRemote, true
		}
		return SideLocal, true
	case StrategyLocal:
		return SideLocal, true
	case StrategyRemote:
		return SideRemote, true
	default:
		return "", false
	}
}

// ValidStrategy reports whether s names a known resolution strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyNewest, StrategyLocal, StrategyRemote, StrategyAsk:
		return true
	}
	return false
}

// ParseSide converts a user-supplied string into a Side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideLocal:
		return SideLocal, nil
	case SideRemote:
		return SideRemote, nil
	}
	return "", fmt.Errorf("invalid resolution side %q (want local or remote)", s)
}
