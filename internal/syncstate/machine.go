// Package syncstate implements the finite-state machine governing the
// lifecycle of a sync session.
//
// The machine is the single source of truth for whether a sync pass may
// run: every component queries CanSync before attempting one, and every
// outcome is reported back through Fire. Illegal transitions are rejected
// and logged, never silently coerced.
package syncstate

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quidsync/quid/internal/backoff"
)

// State is a sync session lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StatePaused  State = "paused"
	StateOffline State = "offline"
	StateError   State = "error"
)

// Trigger is an event that may move the machine between states.
type Trigger string

const (
	TriggerStartSync        Trigger = "START_SYNC"
	TriggerSyncSuccess      Trigger = "SYNC_SUCCESS"
	TriggerSyncError        Trigger = "SYNC_ERROR"
	TriggerConflictDetected Trigger = "CONFLICT_DETECTED"
	TriggerConflictResolved Trigger = "CONFLICT_RESOLVED"
	TriggerPause            Trigger = "PAUSE"
	TriggerResume           Trigger = "RESUME"
	TriggerGoOffline        Trigger = "GO_OFFLINE"
	TriggerGoOnline         Trigger = "GO_ONLINE"
	TriggerRetry            Trigger = "RETRY"
)

// transitions is the legal transition table. A missing entry means the
// trigger is illegal in that state.
var transitions = map[State]map[Trigger]State{
	StateIdle: {
		TriggerStartSync: StateSyncing,
		TriggerPause:     StatePaused,
		TriggerGoOffline: StateOffline,
	},
	StateSyncing: {
		TriggerSyncSuccess:      StateIdle,
		TriggerSyncError:        StateError,
		TriggerConflictDetected: StateError,
		TriggerGoOffline:        StateOffline,
		TriggerPause:            StatePaused,
	},
	StatePaused: {
		TriggerResume:    StateIdle,
		TriggerGoOffline: StateOffline,
	},
	StateOffline: {
		TriggerGoOnline: StateIdle,
	},
	StateError: {
		TriggerRetry:            StateSyncing,
		TriggerConflictResolved: StateIdle,
		TriggerPause:            StatePaused,
		TriggerGoOffline:        StateOffline,
		TriggerStartSync:        StateSyncing, // manual override
	},
}

// IllegalTransitionError reports a trigger fired in a state where it is
// not legal.
type IllegalTransitionError struct {
	From    State
	Trigger Trigger
	Reason  string
}

func (e *IllegalTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal transition: %s in state %s (%s)", e.Trigger, e.From, e.Reason)
	}
	return fmt.Sprintf("illegal transition: %s in state %s", e.Trigger, e.From)
}

// Snapshot is a point-in-time view of the machine for status reporting.
type Snapshot struct {
	State        State
	Previous     State
	ErrorCount   int
	RetryAttempt int
	MaxRetries   int
	EnteredAt    time.Time
	LastSuccess  time.Time
}

// Machine is the sync session state machine. One instance exists per
// running client, constructed at startup in the idle state and mutated
// only through validated transitions.
type Machine struct {
	mu           sync.Mutex
	state        State
	previous     State
	errorCount   int
	retryAttempt int
	maxRetries   int
	enteredAt    time.Time
	lastSuccess  time.Time

	policy backoff.Policy
	logger *log.Logger
}

// New creates a Machine in the idle state.
//
// maxRetries bounds automatic retries out of the error state; a value of 0
// disables automatic retry entirely (manual START_SYNC still works).
// If logger is nil, a default logger writing to stderr is used.
func New(maxRetries int, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncstate] ", log.LstdFlags)
	}
	return &Machine{
		state:      StateIdle,
		previous:   StateIdle,
		maxRetries: maxRetries,
		enteredAt:  time.Now(),
		policy:     backoff.Default(),
		logger:     logger,
	}
}

// Fire applies a trigger. On an illegal transition the state is left
// untouched and an IllegalTransitionError is returned.
func (m *Machine) Fire(tr Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.state][tr]
	if !ok {
		err := &IllegalTransitionError{From: m.state, Trigger: tr}
		m.logger.Printf("rejected %s in state %s", tr, m.state)
		return err
	}

	if tr == TriggerRetry && m.retryAttempt >= m.maxRetries {
		err := &IllegalTransitionError{
			From:    m.state,
			Trigger: tr,
			Reason:  fmt.Sprintf("retry attempt %d >= max %d", m.retryAttempt, m.maxRetries),
		}
		m.logger.Printf("rejected %s: retries exhausted (%d/%d)", tr, m.retryAttempt, m.maxRetries)
		return err
	}

	switch tr {
	case TriggerSyncSuccess:
		m.errorCount = 0
		m.retryAttempt = 0
		m.lastSuccess = time.Now()
	case TriggerSyncError, TriggerConflictDetected:
		m.errorCount++
	case TriggerResume, TriggerConflictResolved, TriggerGoOnline:
		m.retryAttempt = 0
	case TriggerRetry:
		m.retryAttempt++
	}

	m.previous = m.state
	m.state = next
	m.enteredAt = time.Now()
	return nil
}

// CanSync reports whether a sync pass may start: true only in idle or
// error state.
func (m *Machine) CanSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateIdle || m.state == StateError
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryDelay returns the backoff delay for the current retry attempt.
func (m *Machine) RetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Delay(m.retryAttempt)
}

// RetryExhausted reports whether automatic retries are used up.
func (m *Machine) RetryExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryAttempt >= m.maxRetries
}

// Snapshot returns a copy of the machine's bookkeeping for status display.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:        m.state,
		Previous:     m.previous,
		ErrorCount:   m.errorCount,
		RetryAttempt: m.retryAttempt,
		MaxRetries:   m.maxRetries,
		EnteredAt:    m.enteredAt,
		LastSuccess:  m.lastSuccess,
	}
}

// Reset returns the machine to idle and clears all counters. This is an
// explicit user action, not a transition, and bypasses the table.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous = m.state
	m.state = StateIdle
	m.errorCount = 0
	m.retryAttempt = 0
	m.enteredAt = time.Now()
	m.logger.Printf("machine reset to idle")
}
