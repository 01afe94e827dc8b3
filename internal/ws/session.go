package ws

import (
	"context"
	"errors"
	"time"

	"github.com/webmux/backend/internal/backend"
)

// SessionManager owns one background poller per (client, session)
// pair, independent of the console pollers. Session reads carry no
// busy signal, so the interval is fixed rather than adaptive.
type SessionManager struct {
	be       backend.Backend
	reg      *Registry
	interval time.Duration
	table    pollerTable
}

func NewSessionManager(be backend.Backend, reg *Registry, interval time.Duration) *SessionManager {
	return &SessionManager{
		be:       be,
		reg:      reg,
		interval: interval,
		table:    newPollerTable(),
	}
}

// Start launches a poller streaming sessionID's output to c. Starting
// an already-polled pair is a no-op.
func (m *SessionManager) Start(ctx context.Context, c *client, sessionID string) {
	key := pollKey{clientID: c.id, resourceID: sessionID}
	m.table.start(ctx, key, func(pctx context.Context) {
		m.poll(pctx, key, c)
	})
}

// Stop cancels the poller for (clientID, sessionID). Idempotent.
func (m *SessionManager) Stop(clientID, sessionID string) {
	m.table.stop(pollKey{clientID: clientID, resourceID: sessionID})
}

// StopAll cancels every session poller owned by clientID.
func (m *SessionManager) StopAll(clientID string) {
	m.table.stopOwner(clientID)
}

// Running reports whether a poller exists for the pair.
func (m *SessionManager) Running(clientID, sessionID string) bool {
	return m.table.running(pollKey{clientID: clientID, resourceID: sessionID})
}

// Active returns the number of live session pollers.
func (m *SessionManager) Active() int {
	return m.table.size()
}

// poll streams one session until the client unregisters, the poller is
// cancelled, the session disappears or the upstream errors. The
// session's kind is re-resolved every iteration because it can change
// between polls, an upgraded session reads through a different path.
func (m *SessionManager) poll(ctx context.Context, key pollKey, c *client) {
	for {
		if !m.reg.Alive(key.clientID) {
			return
		}

		info, err := m.be.GetSession(ctx, key.resourceID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				// The session died, an expected end of stream.
				log.Debugf("session %s gone, poller exiting", key.resourceID)
				return
			}
			log.Warningf("session %s: lookup failed, poller exiting: %v", key.resourceID, err)
			return
		}

		out, err := m.be.ReadSessionOutput(ctx, key.resourceID, info.Kind)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warningf("session %s: read failed, poller exiting: %v", key.resourceID, err)
			return
		}

		if out != "" {
			c.sendEvent(EvSessionOutput, SessionOutputPayload{
				SessionID: key.resourceID,
				Data:      out,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}
