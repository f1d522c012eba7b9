// Package realtime holds the live push subscription to the backend change
// feed and applies pushed events to the local store.
//
// Only the elected leader context keeps a feed open; the others report
// connectivity vicariously through the leader's heartbeats. Event
// application mirrors the sync engine's merge rules, with one deliberate
// exception: an UPDATE for a locally-pending record is skipped, because
// the sync pass's conflict resolver is the only place that reconciles an
// unsynced local edit against a remote one.
package realtime

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quidsync/quid/internal/backend"
	"github.com/quidsync/quid/internal/backoff"
	"github.com/quidsync/quid/internal/leader"
	"github.com/quidsync/quid/internal/record"
	"github.com/quidsync/quid/internal/store"
)

// ConnState is the push-connection state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// DefaultMaxAttempts bounds automatic reconnects before the manager
// settles in the error state. A human-triggered Reconnect resets it.
const DefaultMaxAttempts = 8

// Manager owns the leader's feed subscription and its reconnect loop.
type Manager struct {
	client  backend.Client
	store   *store.Store
	elector *leader.Elector
	policy  backoff.Policy
	maxAtt  int
	logger  *log.Logger

	mu         sync.Mutex
	state      ConnState
	attempt    int
	started    bool
	ctx        context.Context
	connCancel context.CancelFunc
	unsub      func()

	wg sync.WaitGroup
}

// New creates a Manager. maxAttempts <= 0 takes the default; a nil logger
// gets a stderr default.
func New(client backend.Client, st *store.Store, elector *leader.Elector, policy backoff.Policy, maxAttempts int, logger *log.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Manager{
		client:  client,
		store:   st,
		elector: elector,
		policy:  policy,
		maxAtt:  maxAttempts,
		logger:  logger,
		state:   StateDisconnected,
	}
}

// Start hooks the manager to leadership changes and, if already leader,
// opens the feed. The elector's heartbeats carry this manager's state so
// non-leaders can mirror it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	m.elector.SetStatusProvider(func() string { return string(m.connState()) })
	m.unsub = m.elector.OnChange(func(leading bool) {
		if leading {
			m.connect()
		} else {
			m.disconnect()
		}
	})

	if m.elector.IsLeader() {
		m.connect()
	}
}

// Stop closes the feed and detaches from the elector.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.disconnect()
}

// Status reports the effective connection state: the manager's own when
// leading, the leader's last-heartbeat state otherwise.
func (m *Manager) Status() ConnState {
	if m.elector.IsLeader() {
		return m.connState()
	}
	if s := m.elector.ObservedConnState(); s != "" {
		return ConnState(s)
	}
	return StateDisconnected
}

// Reconnect resets the bounded attempt counter and bounces the feed.
// No-op for non-leaders.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
	m.bounce()
}

// NotifyVisible catches up after the hosting app returns to the
// foreground. The headless daemon has no visibility signal; this is an
// entry point for callers that do.
func (m *Manager) NotifyVisible() {
	m.bounce()
}

// NotifyOnline catches up after connectivity returns.
func (m *Manager) NotifyOnline() {
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()
	m.bounce()
}

// bounce re-dials the feed immediately instead of waiting out a timer.
func (m *Manager) bounce() {
	if !m.elector.IsLeader() {
		return
	}
	m.disconnect()
	m.connect()
}

func (m *Manager) connState() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.logger.Printf("feed %s", s)
	}
}

func (m *Manager) connect() {
	m.mu.Lock()
	if !m.started || m.connCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	cancel := m.connCancel
	m.connCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.setState(StateDisconnected)
}

// run dials, reads, and re-dials with backoff until cancelled or the
// attempt bound is hit.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.setState(StateConnecting)
		stream, err := m.client.DialEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Printf("dial failed: %v", err)
			if !m.waitRetry(ctx) {
				return
			}
			continue
		}

		m.setState(StateConnected)
		m.mu.Lock()
		m.attempt = 0
		m.mu.Unlock()

		err = m.readLoop(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		m.logger.Printf("feed dropped: %v", err)
		m.setState(StateDisconnected)
		if !m.waitRetry(ctx) {
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, stream backend.EventStream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := m.Apply(ctx, ev); err != nil {
			m.logger.Printf("failed to apply %s for %s: %v", ev.Type, ev.RecordID, err)
		}
	}
}

// waitRetry sleeps out the backoff for the next attempt. Returns false
// when the bound is exhausted or the connection context is cancelled.
func (m *Manager) waitRetry(ctx context.Context) bool {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if attempt > m.maxAtt {
		m.logger.Printf("gave up after %d attempts", m.maxAtt)
		m.setState(StateError)
		return false
	}

	d := m.policy.Delay(attempt)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Apply merges one pushed event into the local store.
func (m *Manager) Apply(ctx context.Context, ev backend.Event) error {
	switch ev.Type {
	case backend.EventInsert, backend.EventUpdate:
		local, err := m.store.Get(ctx, ev.RecordID)
		if errors.Is(err, sql.ErrNoRows) {
			return m.store.InsertFromRemote(ctx, ev.Record)
		}
		if err != nil {
			return err
		}
		if local.SyncStatus == record.StatusPending {
			// An unsynced local edit wins here; the next sync pass's
			// resolver reconciles the divergence
			return nil
		}
		if ev.Record.ServerUpdatedAt.After(local.UpdatedAt) {
			return m.store.ApplyRemoteFields(ctx, ev.Record)
		}
		return nil

	case backend.EventDelete:
		// The cached file the record referenced stays on disk: a
		// recoverable orphan beats data loss
		return m.store.Delete(ctx, ev.RecordID)
	}
	return nil
}
