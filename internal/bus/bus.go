// Package bus is a process-local broadcast bus. Leader election uses it as
// the shared channel between execution contexts; no domain data crosses it.
package bus

import (
	"sync"
	"time"
)

// ChannelLeader is the well-known channel for leader-election traffic.
const ChannelLeader = "quid.sync.leader"

// MessageKind names a leader-election message.
type MessageKind string

const (
	// KindClaim announces a context that wants leadership.
	KindClaim MessageKind = "claim"
	// KindHeartbeat announces the current leader is alive.
	KindHeartbeat MessageKind = "heartbeat"
)

// Message is one leader-election broadcast.
type Message struct {
	Kind      MessageKind
	SenderID  string
	Sent      time.Time
	ConnState string // leader's push-connection state, heartbeats only
}

// Handler receives messages published on a subscribed channel.
type Handler func(Message)

// Local is an in-memory broadcast bus. Publish delivers to every
// subscriber of the channel, including the publisher's own subscriptions;
// subscribers filter their own sender id.
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

// NewLocal creates an empty bus.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler on a channel. The returned function
// unsubscribes it.
func (b *Local) Subscribe(channel string, fn Handler) func() {
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[channel][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[channel], id)
		b.mu.Unlock()
	}
}

// Publish delivers msg to every current subscriber of the channel,
// synchronously, in unspecified order.
func (b *Local) Publish(channel string, msg Message) {
	if msg.Sent.IsZero() {
		msg.Sent = time.Now()
	}

	b.mu.RLock()
	fns := make([]Handler, 0, len(b.subs[channel]))
	for _, fn := range b.subs[channel] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
