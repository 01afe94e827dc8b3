package ws

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/webmux/backend/internal/backend"
)

// RosterMonitor is the single process-wide loop that watches the
// session roster. Each tick it takes a full snapshot, diffs it against
// the previous one and fans out session_opened/session_closed plus a
// full sessions_update to every subscribed client. It is the only
// component that broadcasts to all subscribers instead of one owner.
type RosterMonitor struct {
	be      backend.Backend
	tick    time.Duration
	backoff time.Duration

	mu   sync.Mutex
	subs map[string]*client
	last map[string]backend.SessionInfo
}

func NewRosterMonitor(be backend.Backend, tick, backoff time.Duration) *RosterMonitor {
	return &RosterMonitor{
		be:      be,
		tick:    tick,
		backoff: backoff,
		subs:    make(map[string]*client),
	}
}

// Subscribe registers c for roster pushes. Subscribing twice is
// harmless.
func (r *RosterMonitor) Subscribe(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[c.id] = c
}

// Unsubscribe drops clientID from the subscriber set. Idempotent.
func (r *RosterMonitor) Unsubscribe(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, clientID)
}

// Subscribers returns the current subscriber count.
func (r *RosterMonitor) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Run polls until ctx is cancelled. A failed snapshot backs off and
// retries; the monitor never quits on its own, a single bad poll only
// leaves subscribers with a briefly stale roster.
func (r *RosterMonitor) Run(ctx context.Context) {
	for {
		interval := r.tick
		if err := r.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warningf("roster poll failed, backing off: %v", err)
			interval = r.backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// pollOnce takes one snapshot and broadcasts its diff. The previous
// snapshot, the new one and the subscriber list are captured under a
// single lock acquisition so every event of a tick is derived from one
// consistent pair, a partial diff can never interleave with a newer
// snapshot.
func (r *RosterMonitor) pollOnce(ctx context.Context) error {
	next, err := r.be.ListSessions(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.last
	r.last = next
	subs := make([]*client, 0, len(r.subs))
	for _, c := range r.subs {
		subs = append(subs, c)
	}
	r.mu.Unlock()

	var opened, closed []string
	for id := range next {
		if _, ok := prev[id]; !ok {
			opened = append(opened, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			closed = append(closed, id)
		}
	}
	if len(opened) == 0 && len(closed) == 0 && maps.Equal(prev, next) {
		return nil
	}
	sort.Strings(opened)
	sort.Strings(closed)

	for _, id := range opened {
		r.fanout(subs, EvSessionOpened, SessionOpenedPayload{SessionID: id, Session: next[id]})
	}
	for _, id := range closed {
		r.fanout(subs, EvSessionClosed, SessionClosedPayload{SessionID: id})
	}
	r.fanout(subs, EvSessionsUpdate, SessionsUpdatePayload{Sessions: next})
	return nil
}

// fanout delivers one event to every subscriber, best-effort. A client
// that cannot take the frame loses it; the loop continues over the
// remaining subscribers.
func (r *RosterMonitor) fanout(subs []*client, event Event, data any) {
	for _, c := range subs {
		c.sendEvent(event, data)
	}
}
