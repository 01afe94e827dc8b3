package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webmux/backend/internal/backend"
	"github.com/webmux/backend/internal/config"
)

// newTestServer stands up a full Server over a Fake backend with fast
// poll intervals. Mutators tweak the config before construction.
func newTestServer(t *testing.T, fake *backend.Fake, mutate ...func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Poll.ConsoleBusy = 5 * time.Millisecond
	cfg.Poll.ConsoleIdle = 20 * time.Millisecond
	cfg.Poll.Session = 5 * time.Millisecond
	cfg.Poll.RosterTick = time.Hour
	cfg.Poll.RosterBackoff = time.Hour
	for _, m := range mutate {
		m(cfg)
	}

	srv := NewServer(cfg, fake)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Start(ctx)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, ts
}

// dialServer opens a websocket client against ts and consumes the
// connect greeting, returning the connection and the assigned id.
func dialServer(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, string) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	f := waitFrame(t, conn, EvConnect, 2*time.Second)
	id, _ := f.Data["client_id"].(string)
	if id == "" {
		t.Fatal("connect frame missing client_id")
	}
	return conn, id
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write %q: %v", raw, err)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPingBothSyntaxesIdenticalPong(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	conn, _ := dialServer(t, ts, "")

	readRawFrame := func() []byte {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return raw
	}

	sendRaw(t, conn, `{"event":"ping","data":{}}`)
	structured := readRawFrame()

	sendRaw(t, conn, `42["ping",{}]`)
	legacy := readRawFrame()

	if string(structured) != string(legacy) {
		t.Errorf("pong replies differ: %s vs %s", structured, legacy)
	}
	if string(structured) != `{"event":"pong","data":{}}` {
		t.Errorf("pong = %s", structured)
	}
}

func TestCreateConsoleLifecycle(t *testing.T) {
	fake := backend.NewFake()
	srv, ts := newTestServer(t, fake)
	conn, clientID := dialServer(t, ts, "")

	sendRaw(t, conn, `{"event":"create_console","data":{}}`)
	created := waitFrame(t, conn, EvConsoleCreated, 2*time.Second)
	consoleID, _ := created.Data["console_id"].(string)
	if consoleID == "" {
		t.Fatal("console_created missing console_id")
	}
	if fake.ConsoleCount() != 1 {
		t.Fatalf("ConsoleCount = %d, want 1", fake.ConsoleCount())
	}
	waitUntil(t, "console poller start", func() bool {
		return srv.consoles.Running(clientID, consoleID)
	})

	// Output streams to the creator.
	fake.PushConsoleOutput(consoleID, "tip of the day: use tab completion\n")
	out := waitFrame(t, conn, EvConsoleOutput, 2*time.Second)
	if out.Data["data"] != "tip of the day: use tab completion\n" {
		t.Errorf("console_output data = %q", out.Data["data"])
	}

	// Input is a one-shot write with a trailing newline appended.
	sendRaw(t, conn, fmt.Sprintf(`{"event":"console_input","data":{"console_id":%q,"command":"help"}}`, consoleID))
	waitUntil(t, "console input write", func() bool {
		in := fake.ConsoleInputs(consoleID)
		return len(in) == 1 && in[0] == "help\n"
	})

	// Destroy stops the poller and reaps the upstream console.
	sendRaw(t, conn, fmt.Sprintf(`{"event":"destroy_console","data":{"console_id":%q}}`, consoleID))
	destroyed := waitFrame(t, conn, EvConsoleDestroyed, 2*time.Second)
	if destroyed.Data["console_id"] != consoleID {
		t.Errorf("console_destroyed id = %v", destroyed.Data["console_id"])
	}
	waitUntil(t, "poller teardown", func() bool {
		return srv.consoles.Active() == 0
	})
	if fake.ConsoleCount() != 0 {
		t.Errorf("ConsoleCount = %d after destroy, want 0", fake.ConsoleCount())
	}
}

func TestSubscribeSessionOutputDuplicateNoop(t *testing.T) {
	fake := backend.NewFake()
	srv, ts := newTestServer(t, fake)
	conn, clientID := dialServer(t, ts, "")
	fake.AddSession(shellSession("5"))

	sendRaw(t, conn, `{"event":"subscribe_session_output","data":{"session_id":"5"}}`)
	sendRaw(t, conn, `{"event":"subscribe_session_output","data":{"session_id":"5"}}`)

	waitUntil(t, "session poller start", func() bool {
		return srv.sessions.Running(clientID, "5")
	})
	if got := srv.sessions.Active(); got != 1 {
		t.Fatalf("Active = %d after duplicate subscribe, want 1", got)
	}

	sendRaw(t, conn, `{"event":"unsubscribe_session_output","data":{"session_id":"5"}}`)
	waitUntil(t, "session poller stop", func() bool {
		return srv.sessions.Active() == 0
	})
}

func TestGarbageFramesLeaveConnectionOpen(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	conn, _ := dialServer(t, ts, "")

	// Malformed frames and unknown events are swallowed silently.
	sendRaw(t, conn, `{"event":"ping"`)
	sendRaw(t, conn, `not even close`)
	sendRaw(t, conn, `99[]`)
	sendRaw(t, conn, `{"event":"warp_core_eject","data":{}}`)
	expectNoFrame(t, conn, 150*time.Millisecond)

	// The connection still dispatches normally afterwards.
	sendRaw(t, conn, `{"event":"ping","data":{}}`)
	waitFrame(t, conn, EvPong, 2*time.Second)
}

func TestBackendFailureScopedToOriginator(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	connA, _ := dialServer(t, ts, "")
	connB, _ := dialServer(t, ts, "")

	fake.SetErr(backend.OpCreateConsole, errors.New("database gone"))

	sendRaw(t, connA, `{"event":"create_console","data":{}}`)
	f := waitFrame(t, connA, EvError, 2*time.Second)
	msg, _ := f.Data["message"].(string)
	if !strings.Contains(msg, "database gone") {
		t.Errorf("error message = %q", msg)
	}

	// The failure never leaks to the other client.
	expectNoFrame(t, connB, 150*time.Millisecond)
}

func TestSessionInputRoutesByCurrentKind(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	conn, _ := dialServer(t, ts, "")

	s := shellSession("9")
	s.Kind = backend.KindPTY
	fake.AddSession(s)

	sendRaw(t, conn, `{"event":"session_input","data":{"session_id":"9","command":"whoami"}}`)
	waitUntil(t, "session input write", func() bool {
		in := fake.SessionInputs("9")
		return len(in) == 1 && in[0] == "whoami\n"
	})
	kinds := fake.SessionInputKinds("9")
	if len(kinds) != 1 || kinds[0] != backend.KindPTY {
		t.Errorf("input kinds = %v, want [pty]", kinds)
	}
}

func TestSessionInputUnknownSession(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	conn, _ := dialServer(t, ts, "")

	sendRaw(t, conn, `{"event":"session_input","data":{"session_id":"404","command":"id"}}`)
	f := waitFrame(t, conn, EvError, 2*time.Second)
	msg, _ := f.Data["message"].(string)
	if !strings.Contains(msg, "not found") {
		t.Errorf("error message = %q", msg)
	}
}

func TestMissingPayloadFieldYieldsError(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	conn, _ := dialServer(t, ts, "")

	sendRaw(t, conn, `{"event":"console_input","data":{"command":"help"}}`)
	f := waitFrame(t, conn, EvError, 2*time.Second)
	msg, _ := f.Data["message"].(string)
	if !strings.Contains(msg, "console_id") {
		t.Errorf("error message = %q", msg)
	}
}

func TestSubscribeSessionsImmediateRoster(t *testing.T) {
	fake := backend.NewFake()
	srv, ts := newTestServer(t, fake)
	conn, _ := dialServer(t, ts, "")

	fake.AddSession(shellSession("11"))
	fake.AddSession(shellSession("12"))

	sendRaw(t, conn, `{"event":"subscribe_sessions","data":{}}`)
	f := waitFrame(t, conn, EvSessionsUpdate, 2*time.Second)
	roster, _ := f.Data["sessions"].(map[string]any)
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}
	if srv.roster.Subscribers() != 1 {
		t.Errorf("Subscribers = %d, want 1", srv.roster.Subscribers())
	}
}

func TestRosterPushEndToEnd(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake, func(cfg *config.Config) {
		cfg.Poll.RosterTick = 10 * time.Millisecond
		cfg.Poll.RosterBackoff = 20 * time.Millisecond
	})
	conn, _ := dialServer(t, ts, "")

	sendRaw(t, conn, `{"event":"subscribe_sessions","data":{}}`)
	waitFrame(t, conn, EvSessionsUpdate, 2*time.Second) // immediate empty roster

	fake.AddSession(shellSession("21"))

	opened := waitFrame(t, conn, EvSessionOpened, 2*time.Second)
	if opened.Data["session_id"] != "21" {
		t.Errorf("opened id = %v", opened.Data["session_id"])
	}
	update := waitFrame(t, conn, EvSessionsUpdate, 2*time.Second)
	roster, _ := update.Data["sessions"].(map[string]any)
	if _, has := roster["21"]; !has {
		t.Errorf("roster missing new session: %v", roster)
	}

	fake.RemoveSession("21")
	closed := waitFrame(t, conn, EvSessionClosed, 2*time.Second)
	if closed.Data["session_id"] != "21" {
		t.Errorf("closed id = %v", closed.Data["session_id"])
	}
}

func TestDisconnectTearsDownOnlyThatClient(t *testing.T) {
	fake := backend.NewFake()
	srv, ts := newTestServer(t, fake)
	connA, idA := dialServer(t, ts, "")
	connB, idB := dialServer(t, ts, "")

	fake.AddSession(shellSession("31"))

	// Both clients build up full state: console, session stream,
	// roster subscription.
	for _, conn := range []*websocket.Conn{connA, connB} {
		sendRaw(t, conn, `{"event":"create_console","data":{}}`)
		waitFrame(t, conn, EvConsoleCreated, 2*time.Second)
		sendRaw(t, conn, `{"event":"subscribe_session_output","data":{"session_id":"31"}}`)
		sendRaw(t, conn, `{"event":"subscribe_sessions","data":{}}`)
		waitFrame(t, conn, EvSessionsUpdate, 2*time.Second)
	}

	waitUntil(t, "both clients fully subscribed", func() bool {
		return srv.consoles.Active() == 2 && srv.sessions.Active() == 2 && srv.roster.Subscribers() == 2
	})

	connA.Close()

	waitUntil(t, "client A teardown", func() bool {
		return srv.reg.Count() == 1 &&
			srv.consoles.Active() == 1 &&
			srv.sessions.Active() == 1 &&
			srv.roster.Subscribers() == 1
	})
	if srv.reg.Alive(idA) {
		t.Error("client A still registered")
	}
	if !srv.reg.Alive(idB) {
		t.Error("client B should remain registered")
	}

	// B's streams keep flowing.
	fake.PushSessionOutput("31", "still alive\n")
	f := waitFrame(t, connB, EvSessionOutput, 2*time.Second)
	if f.Data["data"] != "still alive\n" {
		t.Errorf("B data = %q", f.Data["data"])
	}
}

func TestAuthToken(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake, func(cfg *config.Config) {
		cfg.Server.AuthToken = "hunter2"
	})

	// Websocket dial without the token is refused at the handshake.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		conn.Close()
		t.Fatal("dial without token should fail")
	}

	// Query token works.
	conn, _ := dialServer(t, ts, "hunter2")
	sendRaw(t, conn, `{"event":"ping","data":{}}`)
	waitFrame(t, conn, EvPong, 2*time.Second)

	// REST: bare request 401, header token 200.
	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated /api/sessions = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("X-Webmux-Token", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("header-authenticated /api/sessions = %d, want 200", resp.StatusCode)
	}
}

func TestMaxClientsRejectsExtraConnection(t *testing.T) {
	fake := backend.NewFake()
	srv, ts := newTestServer(t, fake, func(cfg *config.Config) {
		cfg.Server.MaxClients = 1
	})

	dialServer(t, ts, "")

	// The second connection upgrades but is closed immediately with no
	// connect greeting.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("over-cap connection should be closed without frames")
	}
	if srv.reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", srv.reg.Count())
	}
}

func TestSessionsEndpoint(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	fake.AddSession(shellSession("41"))

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var sessions map[string]backend.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info, ok := sessions["41"]; !ok || info.Kind != backend.KindShell {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestHealthEndpoint(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	dialServer(t, ts, "")

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
		Backend string `json:"backend"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Clients != 1 {
		t.Errorf("clients = %d, want 1", health.Clients)
	}
	if health.Backend != "ok" {
		t.Errorf("backend = %q", health.Backend)
	}
}

func TestHealthDegradedWhenBackendFails(t *testing.T) {
	fake := backend.NewFake()
	_, ts := newTestServer(t, fake)
	fake.SetErr(backend.OpListSessions, errors.New("daemon unreachable"))

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
	if !strings.Contains(health.Backend, "daemon unreachable") {
		t.Errorf("backend = %q", health.Backend)
	}
}
