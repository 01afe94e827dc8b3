package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webmux/backend/internal/backend"
)

func newSessionFixture(t *testing.T, interval time.Duration) (*backend.Fake, *Registry, *SessionManager) {
	t.Helper()
	fake := backend.NewFake()
	reg := NewRegistry(0)
	return fake, reg, NewSessionManager(fake, reg, interval)
}

func shellSession(id string) backend.SessionInfo {
	return backend.SessionInfo{
		ID:         id,
		Kind:       backend.KindShell,
		Desc:       "command shell",
		TunnelPeer: "10.0.0.9:4444",
		OpenedAt:   1724300000,
	}
}

func TestSessionPollerStreamsOutput(t *testing.T) {
	fake, reg, mgr := newSessionFixture(t, 5*time.Millisecond)
	c, peer := newTestClient(t, reg)
	fake.AddSession(shellSession("7"))
	fake.PushSessionOutput("7", "uid=0(root)\n")

	mgr.Start(context.Background(), c, "7")
	defer mgr.StopAll(c.id)

	f := waitFrame(t, peer, EvSessionOutput, 2*time.Second)
	if f.Data["session_id"] != "7" {
		t.Errorf("session_id = %v", f.Data["session_id"])
	}
	if f.Data["data"] != "uid=0(root)\n" {
		t.Errorf("data = %q", f.Data["data"])
	}
}

func TestSessionPollerReresolvesKind(t *testing.T) {
	fake, reg, mgr := newSessionFixture(t, 5*time.Millisecond)
	c, _ := newTestClient(t, reg)
	fake.AddSession(shellSession("7"))

	mgr.Start(context.Background(), c, "7")
	defer mgr.StopAll(c.id)

	// The kind lookup happens every iteration, not once at start.
	deadline := time.Now().Add(2 * time.Second)
	for fake.Calls(backend.OpGetSession) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("GetSession called %d times, want at least 3", fake.Calls(backend.OpGetSession))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionPollerExitsSilentlyWhenSessionGone(t *testing.T) {
	fake, reg, mgr := newSessionFixture(t, 5*time.Millisecond)
	c, peer := newTestClient(t, reg)
	fake.AddSession(shellSession("7"))

	mgr.Start(context.Background(), c, "7")
	fake.RemoveSession("7")

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Running(c.id, "7") {
		if time.Now().After(deadline) {
			t.Fatal("poller still running after session vanished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A vanished session is an expected end of stream, not a fault:
	// the client gets no error frame.
	expectNoFrame(t, peer, 100*time.Millisecond)
}

func TestSessionPollerStopsOnReadError(t *testing.T) {
	fake, reg, mgr := newSessionFixture(t, 5*time.Millisecond)
	c, _ := newTestClient(t, reg)
	fake.AddSession(shellSession("7"))
	fake.SetErr(backend.OpReadSessionOutput, errors.New("stream torn"))

	mgr.Start(context.Background(), c, "7")

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Running(c.id, "7") {
		if time.Now().After(deadline) {
			t.Fatal("poller still running after read error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionPollerDuplicateStartNoop(t *testing.T) {
	fake, reg, mgr := newSessionFixture(t, 5*time.Millisecond)
	c, _ := newTestClient(t, reg)
	fake.AddSession(shellSession("7"))

	mgr.Start(context.Background(), c, "7")
	mgr.Start(context.Background(), c, "7")
	defer mgr.StopAll(c.id)

	if got := mgr.Active(); got != 1 {
		t.Fatalf("Active = %d after duplicate start, want 1", got)
	}
}

func TestSessionPollerIndependentPerClient(t *testing.T) {
	fake, reg, mgr := newSessionFixture(t, 5*time.Millisecond)
	c1, peer1 := newTestClient(t, reg)
	c2, peer2 := newTestClient(t, reg)
	fake.AddSession(shellSession("7"))

	mgr.Start(context.Background(), c1, "7")
	mgr.Start(context.Background(), c2, "7")
	defer mgr.StopAll(c1.id)
	defer mgr.StopAll(c2.id)

	if got := mgr.Active(); got != 2 {
		t.Fatalf("Active = %d, want one poller per client", got)
	}

	// Stopping one client's poller leaves the other streaming. Output
	// reads are destructive, so only one of the two pollers sees any
	// given chunk; after c1 stops, every chunk goes to c2.
	mgr.StopAll(c1.id)
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Running(c1.id, "7") {
		if time.Now().After(deadline) {
			t.Fatal("c1 poller still running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fake.PushSessionOutput("7", "still here\n")
	f := waitFrame(t, peer2, EvSessionOutput, 2*time.Second)
	if f.Data["data"] != "still here\n" {
		t.Errorf("c2 data = %q", f.Data["data"])
	}
	expectNoFrame(t, peer1, 50*time.Millisecond)
}
