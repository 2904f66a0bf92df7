package natsio

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// MsgHandler receives delivered messages on the connection's read
// goroutine.
type MsgHandler func(m *Msg)

// Msg is one delivered message. Data aliases the read buffer and must be
// copied if it is needed after the handler returns.
type Msg struct {
	Subject string
	ReplyTo string
	Data    []byte
	Sub     *Subscription
}

// Subscription is one active interest registered with Subscribe.
type Subscription struct {
	conn    *Conn
	sid     uint64
	subject string
	queue   string
	handler MsgHandler

	cancelled atomic.Bool
	delivered atomic.Uint64
}

func (s *Subscription) SID() uint64 { return s.sid }
func (s *Subscription) Subject() string { return s.subject }
func (s *Subscription) Queue() string { return s.queue }
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }
func (s *Subscription) Cancelled() bool { return s.cancelled.Load() }

// Cancel marks the subscription for lazy removal. It is safe from any
// goroutine, including inside the subscription's own handler. The next
// message that arrives for it is still delivered, after which UNSUB is sent
// and the subscription is dropped. Cancelling a removed subscription does
// nothing.
func (s *Subscription) Cancel() {
	s.conn.subs.markCancelled(s.sid)
}

// Unsubscribe removes the subscription now. See Conn.Unsubscribe.
func (s *Subscription) Unsubscribe() error {
	return s.conn.Unsubscribe(s)
}

// registry maps sids to subscriptions. Publishing goroutines and the read
// goroutine share it, so every access takes mu. Handlers never run under it.
type registry struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[uint64]*Subscription)}
}

func (r *registry) insert(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.subs[sub.sid]; dup {
		return fmt.Errorf("sid %d already registered", sub.sid)
	}
	r.subs[sub.sid] = sub
	return nil
}

func (r *registry) find(sid uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[sid]
	return sub, ok
}

func (r *registry) markCancelled(sid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[sid]; ok {
		sub.cancelled.Store(true)
	}
}

// remove deletes sid and reports whether this call was the one that did.
func (r *registry) remove(sid uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[sid]
	if ok {
		delete(r.subs, sid)
	}
	return sub, ok
}

// snapshot returns live subscriptions ordered by sid and drops the
// cancelled ones.
func (r *registry) snapshot() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Subscription, 0, len(r.subs))
	for sid, sub := range r.subs {
		if sub.cancelled.Load() {
			delete(r.subs, sid)
			continue
		}
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		return cmp.Compare(a.sid, b.sid)
	})
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
