// Package backend talks to the remote sync service: authenticated record
// upsert and select over HTTP, plus a per-user change feed over websocket.
//
// Only sanitized payloads cross this boundary on the way out; the engine
// runs every outbound batch through the privacy scan before handing it
// here.
package backend

import (
	"context"
	"time"

	"github.com/quidsync/quid/internal/privacy"
	"github.com/quidsync/quid/internal/record"
)

// User is the authenticated owner identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// EventType names a change-feed mutation.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one row change pushed on the feed. Record is unset for deletes;
// RecordID is always set.
type Event struct {
	Type     EventType     `json:"type"`
	RecordID string        `json:"record_id"`
	Record   record.Remote `json:"record,omitempty"`
}

// EventStream is one live change-feed subscription.
type EventStream interface {
	// Next blocks until the next event arrives or the stream fails.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Client is the remote service surface the sync engine needs.
type Client interface {
	// CurrentUser resolves the authenticated identity, or a classified
	// auth error when there is no live session.
	CurrentUser(ctx context.Context) (User, error)

	// UpsertBatch writes sanitized payloads by primary key. Re-sending a
	// previously-uploaded payload is safe.
	UpsertBatch(ctx context.Context, payloads []privacy.Payload) error

	// FetchSince returns the caller's rows with a server timestamp
	// strictly after since, ordered by server timestamp ascending.
	FetchSince(ctx context.Context, since time.Time) ([]record.Remote, error)

	// DialEvents opens the owner-scoped change feed.
	DialEvents(ctx context.Context) (EventStream, error)
}
