package backend

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Op names one Backend method for fault injection and call counting.
type Op string

const (
	OpCreateConsole     Op = "create_console"
	OpReadConsole       Op = "read_console"
	OpWriteConsole      Op = "write_console"
	OpDestroyConsole    Op = "destroy_console"
	OpListSessions      Op = "list_sessions"
	OpGetSession        Op = "get_session"
	OpReadSessionOutput Op = "read_session_output"
	OpWriteSessionInput Op = "write_session_input"
)

type fakeConsole struct {
	pending []string
	prompt  string
	busy    bool
	inputs  []string
}

// Fake is an in-memory Backend for tests and demo mode. State is
// mutated from the outside (AddSession, PushConsoleOutput, ...) and
// observed through the normal Backend calls, so pollers running against
// a Fake behave exactly as they would against a live upstream.
type Fake struct {
	mu             sync.Mutex
	consoles       map[string]*fakeConsole
	sessions       map[string]SessionInfo
	sessionOut     map[string][]string
	sessionIn      map[string][]string
	sessionInKinds map[string][]SessionKind
	errs           map[Op]error
	calls          map[Op]int
	nextConsole    int
	echo           bool
}

func NewFake() *Fake {
	return &Fake{
		consoles:       make(map[string]*fakeConsole),
		sessions:       make(map[string]SessionInfo),
		sessionOut:     make(map[string][]string),
		sessionIn:      make(map[string][]string),
		sessionInKinds: make(map[string][]SessionKind),
		errs:           make(map[Op]error),
		calls:          make(map[Op]int),
	}
}

// SetErr makes every subsequent call of op fail with err. A nil err
// clears the injection.
func (f *Fake) SetErr(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls reports how many times op has been invoked.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// op counts the call and returns any injected error. Callers must hold mu.
func (f *Fake) op(name Op) error {
	f.calls[name]++
	return f.errs[name]
}

func (f *Fake) CreateConsole(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpCreateConsole); err != nil {
		return "", err
	}
	id := strconv.Itoa(f.nextConsole)
	f.nextConsole++
	f.consoles[id] = &fakeConsole{prompt: "> "}
	return id, nil
}

func (f *Fake) ReadConsole(ctx context.Context, consoleID string) (ConsoleRead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpReadConsole); err != nil {
		return ConsoleRead{}, err
	}
	c, ok := f.consoles[consoleID]
	if !ok {
		return ConsoleRead{}, ErrNotFound
	}
	out := strings.Join(c.pending, "")
	c.pending = nil
	return ConsoleRead{Data: out, Prompt: c.prompt, Busy: c.busy}, nil
}

func (f *Fake) WriteConsole(ctx context.Context, consoleID, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpWriteConsole); err != nil {
		return err
	}
	c, ok := f.consoles[consoleID]
	if !ok {
		return ErrNotFound
	}
	c.inputs = append(c.inputs, data)
	if f.echo {
		c.pending = append(c.pending, data)
	}
	return nil
}

func (f *Fake) DestroyConsole(ctx context.Context, consoleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpDestroyConsole); err != nil {
		return err
	}
	if _, ok := f.consoles[consoleID]; !ok {
		return ErrNotFound
	}
	delete(f.consoles, consoleID)
	return nil
}

func (f *Fake) ListSessions(ctx context.Context) (map[string]SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpListSessions); err != nil {
		return nil, err
	}
	out := make(map[string]SessionInfo, len(f.sessions))
	for id, info := range f.sessions {
		out[id] = info
	}
	return out, nil
}

func (f *Fake) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpGetSession); err != nil {
		return SessionInfo{}, err
	}
	info, ok := f.sessions[sessionID]
	if !ok {
		return SessionInfo{}, ErrNotFound
	}
	return info, nil
}

func (f *Fake) ReadSessionOutput(ctx context.Context, sessionID string, kind SessionKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpReadSessionOutput); err != nil {
		return "", err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return "", ErrNotFound
	}
	out := strings.Join(f.sessionOut[sessionID], "")
	delete(f.sessionOut, sessionID)
	return out, nil
}

func (f *Fake) WriteSessionInput(ctx context.Context, sessionID string, kind SessionKind, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.op(OpWriteSessionInput); err != nil {
		return err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	f.sessionIn[sessionID] = append(f.sessionIn[sessionID], data)
	f.sessionInKinds[sessionID] = append(f.sessionInKinds[sessionID], kind)
	return nil
}

// AddSession installs or replaces a session in the roster.
func (f *Fake) AddSession(info SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[info.ID] = info
}

// RemoveSession drops a session and any undelivered output.
func (f *Fake) RemoveSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	delete(f.sessionOut, sessionID)
	delete(f.sessionIn, sessionID)
	delete(f.sessionInKinds, sessionID)
}

// PushConsoleOutput queues data for the next ReadConsole.
func (f *Fake) PushConsoleOutput(consoleID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.consoles[consoleID]; ok {
		c.pending = append(c.pending, data)
	}
}

// PushSessionOutput queues data for the next ReadSessionOutput.
func (f *Fake) PushSessionOutput(sessionID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; ok {
		f.sessionOut[sessionID] = append(f.sessionOut[sessionID], data)
	}
}

// SetBusy flips a console's busy flag.
func (f *Fake) SetBusy(consoleID string, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.consoles[consoleID]; ok {
		c.busy = busy
	}
}

// SetConsoleEcho makes every WriteConsole reflect its input back as
// pending console output. Demo mode turns this on so consoles answer.
func (f *Fake) SetConsoleEcho(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echo = on
}

// SetPrompt changes the prompt a console reports.
func (f *Fake) SetPrompt(consoleID, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.consoles[consoleID]; ok {
		c.prompt = prompt
	}
}

// ConsoleInputs returns everything written to a console, oldest first.
func (f *Fake) ConsoleInputs(consoleID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.consoles[consoleID]; ok {
		return append([]string(nil), c.inputs...)
	}
	return nil
}

// SessionInputs returns everything written to a session, oldest first.
func (f *Fake) SessionInputs(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessionIn[sessionID]...)
}

// SessionInputKinds returns the kind each write was routed with,
// parallel to SessionInputs.
func (f *Fake) SessionInputKinds(sessionID string) []SessionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionKind(nil), f.sessionInKinds[sessionID]...)
}

// ConsoleCount reports how many consoles currently exist.
func (f *Fake) ConsoleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consoles)
}

