// Package engine drives sync passes: upload pending records, download
// remote changes, merge, and keep the session state machine honest.
//
// A pass is serialized by the state machine: a call while one is already
// running returns immediately with zero counts instead of queuing. The
// background loop runs passes on a fixed interval while idle, and retries
// out of the error state with bounded exponential backoff.
package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quidsync/quid/internal/backend"
	"github.com/quidsync/quid/internal/conflict"
	"github.com/quidsync/quid/internal/record"
	"github.com/quidsync/quid/internal/store"
	"github.com/quidsync/quid/internal/syncerr"
	"github.com/quidsync/quid/internal/syncstate"
)

// Config controls pass cadence and batch shape.
type Config struct {
	// Interval between automatic passes while idle.
	Interval time.Duration
	// BatchSize caps how many pending records one upload phase takes.
	BatchSize int
	// MaxRetries bounds automatic retries out of the error state.
	MaxRetries int
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		BatchSize:  50,
		MaxRetries: 5,
	}
}

// EventKind names an engine lifecycle event.
type EventKind string

const (
	EventSyncStart    EventKind = "sync-start"
	EventSyncComplete EventKind = "sync-complete"
	EventSyncError    EventKind = "sync-error"
	EventConflict     EventKind = "conflict"
)

// Event is one engine lifecycle notification.
type Event struct {
	Kind     EventKind
	Result   *Result          // complete and error events
	Conflict *conflict.Record // conflict events
}

// Listener receives engine lifecycle events.
type Listener func(Event)

// ItemError is one classified failure inside a pass result.
type ItemError struct {
	Kind        syncerr.Kind
	RecordID    string
	Recoverable bool
	Retries     int
	Message     string
}

// Result is the outcome of one sync pass.
type Result struct {
	Success      bool
	Uploaded     int
	Downloaded   int
	Conflicts    int
	AutoResolved int
	Errors       []ItemError
	Duration     time.Duration
	CompletedAt  time.Time
}

// Status is the engine's user-visible state.
type Status struct {
	Machine      syncstate.Snapshot
	PendingCount int
	Online       bool
}

// Engine owns the sync pass and its scheduling.
type Engine struct {
	cfg      Config
	store    *store.Store
	client   backend.Client
	machine  *syncstate.Machine
	resolver *conflict.Resolver
	logger   *log.Logger

	mu           sync.Mutex
	online       bool
	disposed     bool
	pendingCount int
	listeners    map[int]Listener
	nextID       int

	// conflictBlocked is set when the machine entered error because of
	// unresolved conflicts, so resolving them can return it to idle
	conflictBlocked bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// retryKick wakes the loop early when a pass ends in error
	retryKick chan struct{}
}

// New creates an Engine. The machine starts idle and online. If logger is
// nil, a default stderr logger is used.
func New(cfg Config, st *store.Store, client backend.Client, resolver *conflict.Resolver, logger *log.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	e := &Engine{
		cfg:       cfg,
		store:     st,
		client:    client,
		machine:   syncstate.New(cfg.MaxRetries, logger),
		resolver:  resolver,
		logger:    logger,
		online:    true,
		listeners: make(map[int]Listener),
		retryKick: make(chan struct{}, 1),
	}

	// When the machine is blocked on conflicts, resolving them returns
	// it to idle
	resolver.Subscribe(func(ev conflict.Event) {
		if ev.Kind != conflict.EventResolved {
			return
		}
		e.mu.Lock()
		wasBlocked := e.conflictBlocked
		e.conflictBlocked = false
		e.mu.Unlock()
		if wasBlocked && e.machine.State() == syncstate.StateError {
			e.fire(syncstate.TriggerConflictResolved)
		}
	})

	return e
}

// Machine exposes the session state machine for status reporting.
func (e *Engine) Machine() *syncstate.Machine {
	return e.machine
}

// Subscribe registers a lifecycle listener. The returned function
// unregisters it.
func (e *Engine) Subscribe(fn Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Status returns the machine snapshot plus the pending-count gauge.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Machine:      e.machine.Snapshot(),
		PendingCount: e.pendingCount,
		Online:       e.online,
	}
}

// Pause suspends automatic and manual passes until Resume.
func (e *Engine) Pause() error {
	return e.machine.Fire(syncstate.TriggerPause)
}

// Resume lifts a pause.
func (e *Engine) Resume() error {
	return e.machine.Fire(syncstate.TriggerResume)
}

// SetOnline tells the engine about connectivity transitions. Going online
// from offline returns the machine to idle so the next tick can sync.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if !changed {
		return
	}

	if online {
		if err := e.machine.Fire(syncstate.TriggerGoOnline); err != nil {
			// Not offline in the machine (e.g. paused); nothing to do
			return
		}
		e.logger.Printf("connectivity restored")
	} else {
		if err := e.machine.Fire(syncstate.TriggerGoOffline); err != nil {
			return
		}
		e.logger.Printf("connectivity lost")
	}
}

// Start launches the background loop: an interval timer that runs a pass
// while idle, and bounded retries out of the error state.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Dispose stops the background loop and drops all listeners. In-flight
// network calls are not aborted, but their results are discarded.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.listeners = make(map[int]Listener)
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	var retryTimer *time.Timer
	var retryC <-chan time.Time
	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryC = nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if e.machine.State() == syncstate.StateIdle {
				e.runPass(ctx, syncstate.TriggerStartSync)
			}

		case <-e.retryKick:
			stopRetry()
			if e.machine.State() == syncstate.StateError && !e.machine.RetryExhausted() {
				d := e.machine.RetryDelay()
				e.logger.Printf("retrying in %v", d.Round(time.Millisecond))
				retryTimer = time.NewTimer(d)
				retryC = retryTimer.C
			}

		case <-retryC:
			stopRetry()
			if e.machine.State() == syncstate.StateError {
				e.runPass(ctx, syncstate.TriggerRetry)
			}
		}
	}
}

// runPass executes one pass entered via trigger and schedules a retry when
// it ends in the error state.
func (e *Engine) runPass(ctx context.Context, trigger syncstate.Trigger) Result {
	res := e.pass(ctx, trigger)

	if e.machine.State() == syncstate.StateError && !e.machine.RetryExhausted() {
		select {
		case e.retryKick <- struct{}{}:
		default:
		}
	}
	return res
}

// SyncNow runs one pass immediately. Safe to call concurrently: a call
// while a pass is running returns a blocked result with zero counts.
func (e *Engine) SyncNow(ctx context.Context) Result {
	return e.runPass(ctx, syncstate.TriggerStartSync)
}

// emit delivers an event to all listeners outside the lock, unless the
// engine is disposed.
func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Engine) refreshPendingGauge(ctx context.Context) {
	n, err := e.store.CountByStatus(ctx, record.StatusPending)
	if err != nil {
		e.logger.Printf("failed to refresh pending gauge: %v", err)
		return
	}
	e.mu.Lock()
	e.pendingCount = n
	e.mu.Unlock()
}
