// Package record provides the data structures shared by the quid sync core.
//
// A Record is the durable unit of truth on the device. Domain fields
// (date, amount, vendor, category, note, currency) replicate to the backend;
// device-local fields (extracted text, embedding vector, cached file) never
// leave the device. Flat fields with last-write-wins timestamps keep merges
// simple: each side carries an updated_at, and the newer side wins unless a
// conflict is raised.
package record

import (
	"fmt"
	"time"
)

// SyncStatus tracks where a record sits in the replication lifecycle.
type SyncStatus string

const (
	// StatusPending means domain fields were mutated locally since the
	// last successful upload of this record.
	StatusPending SyncStatus = "pending"
	// StatusSynced means the backend holds this record's current domain fields.
	StatusSynced SyncStatus = "synced"
	// StatusError means the last upload attempt for this record failed.
	StatusError SyncStatus = "error"
)

// EmbeddingDim is the fixed length of the on-device embedding vector.
const EmbeddingDim = 384

// DomainFields lists the replicated field names in canonical wire form.
// Conflict reports name differing fields using these values.
var DomainFields = []string{"date", "amount_cents", "vendor", "category_id", "note", "currency"}

// Record is a captured expense document as stored on-device.
type Record struct {
	ID string `json:"id"`

	// ===== Domain fields (replicated) =====
	Date        time.Time `json:"date"`
	AmountCents int64     `json:"amount_cents"`
	Vendor      string    `json:"vendor"`
	CategoryID  string    `json:"category_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	Currency    string    `json:"currency"`

	// ===== Device-local fields (never serialized outward) =====
	RawText   string    `json:"-"`
	Embedding []float32 `json:"-"`
	FilePath  string    `json:"-"`
	FileSize  int64     `json:"-"`
	FileMIME  string    `json:"-"`

	// ===== Sync metadata =====
	SyncStatus      SyncStatus `json:"sync_status"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	SyncError       string     `json:"sync_error,omitempty"`

	// ===== Timestamps (last-write-wins ordering) =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remote is the backend's representation of a record. The device only ever
// reads this shape or writes it through the privacy projection.
// ServerUpdatedAt is assigned by the backend and is authoritative for
// ordering; the client timestamps are informational.
type Remote struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Date        time.Time `json:"date"`
	AmountCents int64     `json:"amount_cents"`
	Vendor      string    `json:"vendor"`
	CategoryID  string    `json:"category_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	ServerUpdatedAt time.Time `json:"server_updated_at"`
}

// Validate checks that the Record has valid field values.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code (got %q)", r.Currency)
	}
	if len(r.Vendor) > 200 {
		return fmt.Errorf("vendor must be 200 characters or less (got %d)", len(r.Vendor))
	}
	if len(r.Embedding) != 0 && len(r.Embedding) != EmbeddingDim {
		return fmt.Errorf("embedding must have %d dimensions (got %d)", EmbeddingDim, len(r.Embedding))
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	switch r.SyncStatus {
	case StatusPending, StatusSynced, StatusError:
	default:
		return fmt.Errorf("invalid sync status %q", r.SyncStatus)
	}
	return nil
}

// DiffDomainFields compares a local record against a remote row field by
// field and returns the names of the domain fields that differ. Comparison
// is per-field, not whole-object, so a conflict report can name exactly
// which fields diverged.
func DiffDomainFields(local Record, remote Remote) []string {
	var diff []string
	if !local.Date.Equal(remote.Date) {
		diff = append(diff, "date")
	}
	if local.AmountCents != remote.AmountCents {
		diff = append(diff, "amount_cents")
	}
	if local.Vendor != remote.Vendor {
		diff = append(diff, "vendor")
	}
	if local.CategoryID != remote.CategoryID {
		diff = append(diff, "category_id")
	}
	if local.Note != remote.Note {
		diff = append(diff, "note")
	}
	if local.Currency != remote.Currency {
		diff = append(diff, "currency")
	}
	return diff
}

// FromRemote builds a fresh local record from a remote row. Device-local
// fields are left empty: they were never computed on this device. The
// record is marked synced because it matches the backend by construction.
func FromRemote(rr Remote) *Record {
	return &Record{
		ID:          rr.ID,
		Date:        rr.Date,
		AmountCents: rr.AmountCents,
		Vendor:      rr.Vendor,
		CategoryID:  rr.CategoryID,
		Note:        rr.Note,
		Currency:    rr.Currency,
		SyncStatus:  StatusSynced,
		CreatedAt:   rr.CreatedAt,
		UpdatedAt:   rr.UpdatedAt,
	}
}
