// Package leader elects a single push-subscription holder among the
// execution contexts sharing one local store.
//
// Each elector generates a random identity and broadcasts a claim on the
// shared bus channel. A live leader answers claims with a heartbeat; a
// candidate that hears no heartbeat within the timeout assumes leadership
// and begins heartbeating. A leader that hears a foreign heartbeat steps
// down immediately, so a split resolves within one heartbeat interval.
package leader

import (
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quidsync/quid/internal/bus"
)

const (
	// DefaultHeartbeatEvery is how often the leader announces itself.
	DefaultHeartbeatEvery = 5 * time.Second
	// DefaultTimeout is how long a candidate waits for a heartbeat before
	// assuming leadership.
	DefaultTimeout = 10 * time.Second
)

// ChangeListener is notified synchronously when this elector gains or
// loses leadership.
type ChangeListener func(leading bool)

// Elector participates in leader election on the shared bus.
type Elector struct {
	id             string
	bus            *bus.Local
	heartbeatEvery time.Duration
	timeout        time.Duration
	logger         *log.Logger

	mu            sync.Mutex
	started       bool
	leading       bool
	observedState string // conn state from the leader's last heartbeat
	claimTimer    *time.Timer
	stopBeat      chan struct{}
	unsub         func()
	listeners     map[int]ChangeListener
	nextID        int

	// statusFn supplies the push-connection state embedded in heartbeats
	statusFn func() string

	wg sync.WaitGroup
}

// New creates an elector with a fresh random identity. Zero durations take
// the defaults. If logger is nil, a default stderr logger is used.
func New(b *bus.Local, heartbeatEvery, timeout time.Duration, logger *log.Logger) *Elector {
	if heartbeatEvery <= 0 {
		heartbeatEvery = DefaultHeartbeatEvery
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[leader] ", log.LstdFlags)
	}
	return &Elector{
		id:             uuid.NewString(),
		bus:            b,
		heartbeatEvery: heartbeatEvery,
		timeout:        timeout,
		logger:         logger,
		listeners:      make(map[int]ChangeListener),
		statusFn:       func() string { return "" },
	}
}

// ID returns this elector's identity.
func (e *Elector) ID() string {
	return e.id
}

// SetStatusProvider sets the function supplying the push-connection state
// that leader heartbeats carry. Call before Start.
func (e *Elector) SetStatusProvider(fn func() string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn != nil {
		e.statusFn = fn
	}
}

// OnChange registers a leadership-change listener. The returned function
// unregisters it. Listeners run synchronously on the goroutine where the
// change happened.
func (e *Elector) OnChange(fn ChangeListener) func() {
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

// IsLeader reports whether this elector currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// ObservedConnState returns the push-connection state carried by the
// leader's most recent heartbeat. Non-leaders report connectivity
// vicariously through this.
func (e *Elector) ObservedConnState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observedState
}

// Start subscribes on the bus and broadcasts a claim. If no heartbeat
// arrives within the timeout, this elector becomes leader.
func (e *Elector) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.unsub = e.bus.Subscribe(bus.ChannelLeader, e.onMessage)
	e.resetClaimTimerLocked()
	e.mu.Unlock()

	e.logger.Printf("elector %s claiming", shortID(e.id))
	e.bus.Publish(bus.ChannelLeader, bus.Message{Kind: bus.KindClaim, SenderID: e.id})
}

// Stop withdraws from the election. If leading, leadership lapses and the
// other contexts re-elect after the timeout.
func (e *Elector) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	if e.claimTimer != nil {
		e.claimTimer.Stop()
		e.claimTimer = nil
	}
	wasLeading := e.leading
	e.leading = false
	if e.stopBeat != nil {
		close(e.stopBeat)
		e.stopBeat = nil
	}
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	e.wg.Wait()
	if wasLeading {
		e.notify(false)
	}
}

// onMessage handles claims and heartbeats from other electors.
func (e *Elector) onMessage(m bus.Message) {
	if m.SenderID == e.id {
		return
	}

	switch m.Kind {
	case bus.KindClaim:
		e.mu.Lock()
		leading := e.leading
		state := e.statusFn
		e.mu.Unlock()
		if leading {
			// Answer immediately so the claimant backs off
			e.bus.Publish(bus.ChannelLeader, bus.Message{
				Kind: bus.KindHeartbeat, SenderID: e.id, ConnState: state(),
			})
		}

	case bus.KindHeartbeat:
		e.mu.Lock()
		e.observedState = m.ConnState
		if e.leading {
			// Another live leader: yield to break the split
			e.logger.Printf("elector %s stepping down, heard %s", shortID(e.id), shortID(m.SenderID))
			e.leading = false
			if e.stopBeat != nil {
				close(e.stopBeat)
				e.stopBeat = nil
			}
			e.resetClaimTimerLocked()
			e.mu.Unlock()
			e.notify(false)
			return
		}
		// A leader is alive; push the claim deadline out
		e.resetClaimTimerLocked()
		e.mu.Unlock()
	}
}

// resetClaimTimerLocked (re)arms the claim timer with jitter so two
// candidates losing the same leader do not claim in lockstep.
func (e *Elector) resetClaimTimerLocked() {
	if e.claimTimer != nil {
		e.claimTimer.Stop()
	}
	if !e.started {
		return
	}
	d := e.timeout + time.Duration(rand.Int63n(int64(e.timeout/10)+1))
	e.claimTimer = time.AfterFunc(d, e.becomeLeader)
}

// becomeLeader fires when the claim timer lapses with no heartbeat heard.
func (e *Elector) becomeLeader() {
	e.mu.Lock()
	if !e.started || e.leading {
		e.mu.Unlock()
		return
	}
	e.leading = true
	e.stopBeat = make(chan struct{})
	stop := e.stopBeat
	e.mu.Unlock()

	e.logger.Printf("elector %s is now leader", shortID(e.id))
	e.notify(true)
	e.publishHeartbeat()

	e.wg.Add(1)
	go e.heartbeatLoop(stop)
}

func (e *Elector) heartbeatLoop(stop chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.publishHeartbeat()
		}
	}
}

func (e *Elector) publishHeartbeat() {
	e.mu.Lock()
	state := e.statusFn
	leading := e.leading
	e.mu.Unlock()
	if !leading {
		return
	}
	e.bus.Publish(bus.ChannelLeader, bus.Message{
		Kind: bus.KindHeartbeat, SenderID: e.id, ConnState: state(),
	})
}

// notify delivers a leadership change to all listeners outside the lock.
func (e *Elector) notify(leading bool) {
	e.mu.Lock()
	fns := make([]ChangeListener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(leading)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
