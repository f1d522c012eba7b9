// Package privacy enforces the sanitization boundary: every payload that
// leaves the device passes through this package, and nothing outside the
// fixed allow-list of fields may cross it.
//
// The package provides two independent guards:
//  1. Sanitize projects a local record onto the allow-listed shape, then
//     re-serializes the result and verifies no disallowed key survived.
//  2. VerifySafePayload scans an already-built batch immediately before the
//     network write, catching disallowed keys and embedding-shaped numeric
//     arrays even if they arrived under an unexpected key name.
//
// A violation from either guard is a code defect, not a user error. It is
// unrecoverable and must abort the enclosing sync pass.
package privacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/quidsync/quid/internal/record"
)

// Payload is the syncable projection of a record: the only shape that may
// be written to the backend. The key set is fixed; adding a field here
// without updating the allow-list fails every sync pass at runtime.
type Payload struct {
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
}

// allowedKeys is the fixed, enumerable set of keys permitted in an
// outbound payload.
var allowedKeys = map[string]bool{
	"id":           true,
	"user_id":      true,
	"date":         true,
	"amount_cents": true,
	"vendor":       true,
	"category_id":  true,
	"note":         true,
	"currency":     true,
	"created_at":   true,
	"updated_at":   true,
}

// disallowedKeys are device-local field names that must never appear in a
// serialized payload under any circumstances.
var disallowedKeys = []string{
	"raw_text",
	"extracted_text",
	"embedding",
	"file_path",
	"file_size",
	"file_mime",
	"file_metadata",
}

// disallowedKeyPatterns match disallowed names appearing as JSON keys.
var disallowedKeyPatterns = func() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(disallowedKeys))
	for _, key := range disallowedKeys {
		patterns = append(patterns, regexp.MustCompile(`"`+regexp.QuoteMeta(key)+`"\s*:`))
	}
	return patterns
}()

// embeddingPattern matches a numeric array literal shaped like an embedding
// vector: a run of at least eight high-precision decimals. Vendor amounts
// and timestamps never look like this, so any match means raw model output
// is about to leave the device.
var embeddingPattern = regexp.MustCompile(`\[\s*(?:-?\d+\.\d{3,}(?:[eE][+-]?\d+)?\s*,\s*){8,}`)

// Violation is returned when data outside the allow-list is detected at the
// sanitization boundary. It is never recoverable.
type Violation struct {
	Key    string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("privacy violation: %s (%s)", v.Key, v.Reason)
}

// IsViolation reports whether err is (or wraps) a privacy Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Sanitize projects a local record onto the allow-listed payload shape for
// the given owner.
//
// After constructing the projection, the result is serialized and every key
// is checked against the allow-list. This is deliberately independent of
// the mapping code above it: if a future change adds a field to Payload
// without extending the allow-list, the check fails here instead of leaking.
//
// Returns an ordinary error when the record itself is invalid (the caller
// quarantines that one record) and a *Violation when disallowed data is
// detected (the caller must abort the pass).
func Sanitize(rec record.Record, ownerID string) (Payload, error) {
	if ownerID == "" {
		return Payload{}, fmt.Errorf("owner id is required")
	}
	if err := rec.Validate(); err != nil {
		return Payload{}, fmt.Errorf("record %s failed validation: %w", rec.ID, err)
	}

	p := Payload{
		ID:          rec.ID,
		UserID:      ownerID,
		Date:        rec.Date,
		AmountCents: rec.AmountCents,
		Vendor:      rec.Vendor,
		CategoryID:  rec.CategoryID,
		Note:        rec.Note,
		Currency:    rec.Currency,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to serialize payload for %s: %w", rec.ID, err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return Payload{}, fmt.Errorf("failed to inspect payload for %s: %w", rec.ID, err)
	}
	for key := range keys {
		if !allowedKeys[key] {
			return Payload{}, &Violation{Key: key, Reason: "key not in sync allow-list"}
		}
	}

	if err := VerifySafeJSON(data); err != nil {
		return Payload{}, err
	}

	return p, nil
}

// VerifySafePayload is the second, independent guard invoked immediately
// before any network write. It serializes the batch and scans the raw bytes
// for disallowed keys and embedding-shaped content.
func VerifySafePayload(batch []Payload) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to serialize batch: %w", err)
	}
	return VerifySafeJSON(data)
}

// VerifySafeJSON scans serialized JSON for privacy violations:
// disallowed field names appearing as keys, and numeric-array literals
// consistent with an embedding vector regardless of key name.
func VerifySafeJSON(data []byte) error {
	for i, pattern := range disallowedKeyPatterns {
		if pattern.Match(data) {
			return &Violation{Key: disallowedKeys[i], Reason: "disallowed key in serialized payload"}
		}
	}
	if embeddingPattern.Match(data) {
		return &Violation{Key: "embedding", Reason: "embedding-shaped numeric array in serialized payload"}
	}
	return nil
}
