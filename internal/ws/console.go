package ws

import (
	"context"
	"time"

	"github.com/webmux/backend/internal/backend"
)

// ConsoleManager owns one background poller per (client, console)
// pair. A poller drains console output and pushes it to its owning
// client only; consoles watched by different clients never share
// state, so a hung upstream call for one console cannot delay any
// other stream.
type ConsoleManager struct {
	be    backend.Backend
	reg   *Registry
	busy  time.Duration
	idle  time.Duration
	table pollerTable
}

func NewConsoleManager(be backend.Backend, reg *Registry, busy, idle time.Duration) *ConsoleManager {
	return &ConsoleManager{
		be:    be,
		reg:   reg,
		busy:  busy,
		idle:  idle,
		table: newPollerTable(),
	}
}

// Start launches a poller streaming consoleID to c. Starting an
// already-polled pair is a no-op.
func (m *ConsoleManager) Start(ctx context.Context, c *client, consoleID string) {
	key := pollKey{clientID: c.id, resourceID: consoleID}
	m.table.start(ctx, key, func(pctx context.Context) {
		m.poll(pctx, key, c)
	})
}

// Stop cancels the poller for (clientID, consoleID). Idempotent.
func (m *ConsoleManager) Stop(clientID, consoleID string) {
	m.table.stop(pollKey{clientID: clientID, resourceID: consoleID})
}

// StopAll cancels every console poller owned by clientID.
func (m *ConsoleManager) StopAll(clientID string) {
	m.table.stopOwner(clientID)
}

// Running reports whether a poller exists for the pair.
func (m *ConsoleManager) Running(clientID, consoleID string) bool {
	return m.table.running(pollKey{clientID: clientID, resourceID: consoleID})
}

// Active returns the number of live console pollers.
func (m *ConsoleManager) Active() int {
	return m.table.size()
}

// poll drains one console until the client unregisters, the poller is
// cancelled or the upstream errors. The sleep adapts to the console's
// busy flag: a command in flight is polled at the short interval, an
// idle prompt at the long one.
func (m *ConsoleManager) poll(ctx context.Context, key pollKey, c *client) {
	for {
		if !m.reg.Alive(key.clientID) {
			return
		}

		rd, err := m.be.ReadConsole(ctx, key.resourceID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warningf("console %s: read failed, poller exiting: %v", key.resourceID, err)
			return
		}

		if rd.Data != "" {
			c.sendEvent(EvConsoleOutput, ConsoleOutputPayload{
				ConsoleID: key.resourceID,
				Data:      rd.Data,
				Prompt:    rd.Prompt,
				Busy:      rd.Busy,
			})
		}

		interval := m.idle
		if rd.Busy {
			interval = m.busy
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
