// Package local implements backend.Backend on the host itself: consoles
// are interactive subprocesses running on PTYs, sessions are peers
// attached over a listener. It backs single-host deployments and the
// standalone backend daemon.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/op/go-logging"

	"github.com/webmux/backend/internal/backend"
)

var log = logging.MustGetLogger("log")

const (
	// maxPending caps the per-console output buffer; the oldest bytes
	// are discarded once a reader falls this far behind.
	maxPending = 256 << 10

	// busyWindow is how long after the last PTY output a console still
	// reports itself busy.
	busyWindow = 500 * time.Millisecond

	maxPromptLen = 256
)

// Local is a Backend whose consoles live on this host. Sessions come
// from the attach listener when one is configured; without it the
// roster is empty.
type Local struct {
	shell string

	mu       sync.Mutex
	consoles map[string]*ptyConsole
	nextID   int

	attach *attachListener
}

// New starts a local backend. shell may be empty, falling back to
// $SHELL and then /bin/sh. attachAddr may be empty to disable sessions;
// an address containing a slash is served as a unix socket, anything
// else as TCP.
func New(shell, attachAddr string) (*Local, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	l := &Local{
		shell:    shell,
		consoles: make(map[string]*ptyConsole),
	}

	if attachAddr != "" {
		attach, err := newAttachListener(attachAddr)
		if err != nil {
			return nil, fmt.Errorf("attach listener: %w", err)
		}
		l.attach = attach
	}

	return l, nil
}

// AttachAddr returns the bound attach listener address, or "" when
// sessions are disabled.
func (l *Local) AttachAddr() string {
	if l.attach == nil {
		return ""
	}
	return l.attach.addr()
}

// Close kills every console and stops the attach listener.
func (l *Local) Close() error {
	l.mu.Lock()
	consoles := make([]*ptyConsole, 0, len(l.consoles))
	for _, c := range l.consoles {
		consoles = append(consoles, c)
	}
	l.consoles = make(map[string]*ptyConsole)
	l.mu.Unlock()

	for _, c := range consoles {
		c.destroy()
	}
	if l.attach != nil {
		l.attach.close()
	}
	return nil
}

// ptyConsole is one shell subprocess on a PTY. A drain goroutine owns
// the master read side and appends everything to pending; reads return
// and clear that buffer.
type ptyConsole struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
	once sync.Once

	mu      sync.Mutex
	pending []byte
	prompt  string
	lastOut time.Time
	readErr error
}

func (l *Local) CreateConsole(ctx context.Context) (string, error) {
	cmd := exec.Command(l.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", l.shell, err)
	}

	l.mu.Lock()
	l.nextID++
	id := strconv.Itoa(l.nextID)
	c := &ptyConsole{id: id, cmd: cmd, ptmx: ptmx}
	l.consoles[id] = c
	l.mu.Unlock()

	go c.drain()
	go func() { _ = cmd.Wait() }()

	log.Infof("console %s: started %s (pid %d)", id, l.shell, cmd.Process.Pid)
	return id, nil
}

func (l *Local) ReadConsole(ctx context.Context, consoleID string) (backend.ConsoleRead, error) {
	c, err := l.console(consoleID)
	if err != nil {
		return backend.ConsoleRead{}, err
	}
	return c.read()
}

func (l *Local) WriteConsole(ctx context.Context, consoleID, data string) error {
	c, err := l.console(consoleID)
	if err != nil {
		return err
	}
	if _, err := c.ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("console %s: %w", consoleID, err)
	}
	return nil
}

func (l *Local) DestroyConsole(ctx context.Context, consoleID string) error {
	l.mu.Lock()
	c, ok := l.consoles[consoleID]
	if ok {
		delete(l.consoles, consoleID)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("console %s: %w", consoleID, backend.ErrNotFound)
	}
	c.destroy()
	log.Infof("console %s: destroyed", consoleID)
	return nil
}

func (l *Local) console(id string) (*ptyConsole, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.consoles[id]
	if !ok {
		return nil, fmt.Errorf("console %s: %w", id, backend.ErrNotFound)
	}
	return c, nil
}

// drain owns the PTY master. It runs until the read side dies, which
// happens when the child exits or the console is destroyed.
func (c *ptyConsole) drain() {
	buf := make([]byte, 8192)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			if len(c.pending) > maxPending {
				c.pending = c.pending[len(c.pending)-maxPending:]
			}
			if tail := promptTail(c.pending); tail != "" {
				c.prompt = tail
			}
			c.lastOut = time.Now()
			c.mu.Unlock()
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = fmt.Errorf("console %s: shell exited: %w", c.id, err)
			c.mu.Unlock()
			return
		}
	}
}

// read drains the pending buffer. Once the shell has died and the
// buffer is empty the recorded read error surfaces, terminating the
// caller's poll loop.
func (c *ptyConsole) read() (backend.ConsoleRead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 && c.readErr != nil {
		return backend.ConsoleRead{}, c.readErr
	}

	data := string(c.pending)
	c.pending = nil

	return backend.ConsoleRead{
		Data:   data,
		Prompt: c.prompt,
		Busy:   time.Since(c.lastOut) < busyWindow,
	}, nil
}

func (c *ptyConsole) destroy() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.once.Do(func() { _ = c.ptmx.Close() })
}

// promptTail returns the trailing partial line of data. A run of text
// after the last newline is what an interactive shell leaves on screen
// waiting for input, which is as close to "the prompt" as a PTY gets.
func promptTail(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	i := bytes.LastIndexByte(data, '\n')
	tail := data[i+1:]
	if len(tail) == 0 || len(tail) > maxPromptLen {
		return ""
	}
	return string(tail)
}
