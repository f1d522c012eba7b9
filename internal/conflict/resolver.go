package conflict

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quidsync/quid/internal/record"
)

// Store is the persistence surface the resolver needs. The sqlite record
// store satisfies it.
type Store interface {
	Get(ctx context.Context, id string) (*record.Record, error)
	MarkStatus(ctx context.Context, ids []string, status record.SyncStatus, syncErr string) error
	ApplyRemoteFields(ctx context.Context, rr record.Remote) error

	InsertConflict(ctx context.Context, c *Record) error
	GetConflict(ctx context.Context, id string) (*Record, error)
	ListConflicts(ctx context.Context, onlyUnresolved bool) ([]*Record, error)
	ConflictsForRecord(ctx context.Context, recordID string) ([]*Record, error)
	MarkConflictResolved(ctx context.Context, id string, res Side, by ResolvedBy, at time.Time) error
	ClearResolvedConflicts(ctx context.Context) (int, error)
}

// EventKind names a conflict-set mutation.
type EventKind string

const (
	EventRaised   EventKind = "raised"
	EventResolved EventKind = "resolved"
	EventCleared  EventKind = "cleared"
)

// Event describes one mutation of the conflict set.
type Event struct {
	Kind     EventKind
	Conflict *Record // nil for EventCleared
	Cleared  int     // count removed, EventCleared only
}

// Listener receives conflict-set mutation events.
type Listener func(Event)

// Resolver stores detected conflicts and applies resolutions.
//
// With a strategy other than StrategyAsk, conflicts raised through Raise
// are resolved immediately; with StrategyAsk they stay pending until
// Resolve is called (typically from the UI).
type Resolver struct {
	store    Store
	strategy Strategy
	logger   *log.Logger

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewResolver creates a Resolver with the given auto-resolution strategy.
// If logger is nil, a default logger writing to stderr is used.
func NewResolver(store Store, strategy Strategy, logger *log.Logger) (*Resolver, error) {
	if !ValidStrategy(strategy) {
		return nil, fmt.Errorf("invalid conflict strategy %q", strategy)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		store:     store,
		strategy:  strategy,
		logger:    logger,
		listeners: make(map[int]Listener),
	}, nil
}

// Subscribe registers a listener for conflict-set mutations. The returned
// function unregisters it.
func (r *Resolver) Subscribe(fn Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Raise runs detection for a (local, remote) pair and, when a conflict is
// found, stores it and applies the configured strategy.
//
// Returns the conflict (nil when the pair does not conflict) and whether it
// was auto-resolved.
func (r *Resolver) Raise(ctx context.Context, local *record.Record, remote record.Remote) (*Record, bool, error) {
	c := Detect(local, remote)
	if c == nil {
		return nil, false, nil
	}

	if err := r.store.InsertConflict(ctx, c); err != nil {
		return nil, false, fmt.Errorf("failed to store conflict for %s: %w", c.RecordID, err)
	}
	r.logger.Printf("conflict on %s: fields %v", c.RecordID, c.DiffFields)
	r.notify(Event{Kind: EventRaised, Conflict: c})

	side, ok := AutoSide(c, r.strategy)
	if !ok {
		return c, false, nil
	}

	if err := r.resolve(ctx, c, side, ResolvedByAuto); err != nil {
		return c, false, err
	}
	return c, true, nil
}

// Resolve applies a user-chosen resolution to a stored conflict.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, side Side) error {
	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("failed to load conflict %s: %w", conflictID, err)
	}
	return r.resolve(ctx, c, side, ResolvedByUser)
}

// resolve applies a resolution exactly once.
//
// Choosing local re-marks the record pending so the next pass re-uploads
// it, overwriting remote; the backend is never touched directly here.
// Choosing remote overwrites the local record's domain fields with the
// remote snapshot and marks it synced, leaving device-local fields
// untouched.
func (r *Resolver) resolve(ctx context.Context, c *Record, side Side, by ResolvedBy) error {
	if c.Resolved() {
		return fmt.Errorf("conflict %s already resolved as %s", c.ID, c.Resolution)
	}

	switch side {
	case SideLocal:
		if err := r.store.MarkStatus(ctx, []string{c.RecordID}, record.StatusPending, ""); err != nil {
			return fmt.Errorf("failed to re-mark %s pending: %w", c.RecordID, err)
		}
	case SideRemote:
		if err := r.store.ApplyRemoteFields(ctx, c.Remote); err != nil {
			return fmt.Errorf("failed to apply remote fields to %s: %w", c.RecordID, err)
		}
	default:
		return fmt.Errorf("invalid resolution side %q", side)
	}

	now := time.Now()
	if err := r.store.MarkConflictResolved(ctx, c.ID, side, by, now); err != nil {
		return fmt.Errorf("failed to mark conflict %s resolved: %w", c.ID, err)
	}

	c.Resolution = side
	c.ResolvedBy = by
	c.ResolvedAt = &now
	r.logger.Printf("conflict %s on %s resolved as %s (%s)", c.ID, c.RecordID, side, by)
	r.notify(Event{Kind: EventResolved, Conflict: c})
	return nil
}

// List returns stored conflicts, optionally only unresolved ones.
func (r *Resolver) List(ctx context.Context, onlyUnresolved bool) ([]*Record, error) {
	return r.store.ListConflicts(ctx, onlyUnresolved)
}

// ForRecord returns stored conflicts for one record id.
func (r *Resolver) ForRecord(ctx context.Context, recordID string) ([]*Record, error) {
	return r.store.ConflictsForRecord(ctx, recordID)
}

// ClearResolved removes resolved conflicts from the audit set and returns
// how many were removed.
func (r *Resolver) ClearResolved(ctx context.Context) (int, error) {
	n, err := r.store.ClearResolvedConflicts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear resolved conflicts: %w", err)
	}
	if n > 0 {
		r.notify(Event{Kind: EventCleared, Cleared: n})
	}
	return n, nil
}

// notify delivers an event to all listeners outside the lock.
func (r *Resolver) notify(ev Event) {
	r.mu.Lock()
	fns := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
