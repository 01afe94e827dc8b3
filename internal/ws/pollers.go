package ws

import (
	"context"
	"sync"
)

// pollKey identifies one poller: which client is watching which
// upstream resource.
type pollKey struct {
	clientID   string
	resourceID string
}

type poller struct {
	cancel context.CancelFunc
}

// pollerTable is the shared bookkeeping behind both subscription
// managers: a concurrent map of running pollers keyed by
// (client, resource), where every mutation touches exactly one key.
type pollerTable struct {
	mu      sync.Mutex
	entries map[pollKey]*poller
}

func newPollerTable() pollerTable {
	return pollerTable{entries: make(map[pollKey]*poller)}
}

// start registers a poller under key and runs it in its own goroutine.
// It reports false without side effects if key is already present.
func (t *pollerTable) start(ctx context.Context, key pollKey, run func(context.Context)) bool {
	t.mu.Lock()
	if _, exists := t.entries[key]; exists {
		t.mu.Unlock()
		return false
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &poller{cancel: cancel}
	t.entries[key] = p
	t.mu.Unlock()

	go func() {
		defer t.remove(key, p)
		run(pctx)
	}()
	return true
}

// stop cancels and removes the poller for key. Idempotent.
func (t *pollerTable) stop(key pollKey) {
	t.mu.Lock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// stopOwner cancels and removes every poller owned by clientID.
func (t *pollerTable) stopOwner(clientID string) {
	t.mu.Lock()
	var cancelled []*poller
	for key, p := range t.entries {
		if key.clientID == clientID {
			delete(t.entries, key)
			cancelled = append(cancelled, p)
		}
	}
	t.mu.Unlock()
	for _, p := range cancelled {
		p.cancel()
	}
}

// remove drops key only while it still maps to p, so a poller exiting
// on its own never evicts a successor started under the same key.
func (t *pollerTable) remove(key pollKey, p *poller) {
	t.mu.Lock()
	if cur, ok := t.entries[key]; ok && cur == p {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	p.cancel()
}

func (t *pollerTable) running(key pollKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

func (t *pollerTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
