package local

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/webmux/backend/internal/backend"
)

// attachListener turns inbound connections into roster sessions. Every
// accepted peer shows up as a kind "shell" session until it hangs up,
// at which point it leaves the roster and its buffered output is gone.
type attachListener struct {
	ln net.Listener

	mu    sync.Mutex
	peers map[string]*attachPeer
	next  int
}

type attachPeer struct {
	info backend.SessionInfo
	conn net.Conn

	mu      sync.Mutex
	pending []byte
}

func newAttachListener(addr string) (*attachListener, error) {
	network := "tcp"
	if strings.ContainsRune(addr, '/') {
		network = "unix"
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	a := &attachListener{
		ln:    ln,
		peers: make(map[string]*attachPeer),
	}
	go a.acceptLoop()

	log.Infof("attach listener on %s", ln.Addr())
	return a, nil
}

func (a *attachListener) addr() string {
	return a.ln.Addr().String()
}

func (a *attachListener) close() {
	a.ln.Close()

	a.mu.Lock()
	peers := make([]*attachPeer, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	a.peers = make(map[string]*attachPeer)
	a.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

func (a *attachListener) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}

		a.mu.Lock()
		a.next++
		id := strconv.Itoa(a.next)
		p := &attachPeer{
			info: backend.SessionInfo{
				ID:          id,
				Kind:        backend.KindShell,
				Desc:        "attached shell",
				TunnelLocal: conn.LocalAddr().String(),
				TunnelPeer:  conn.RemoteAddr().String(),
				OpenedAt:    time.Now().Unix(),
			},
			conn: conn,
		}
		a.peers[id] = p
		a.mu.Unlock()

		log.Infof("session %s: peer attached from %s", id, conn.RemoteAddr())
		go a.drainPeer(p)
	}
}

// drainPeer buffers everything the peer sends. EOF removes the session
// from the roster, so the monitor reports it closed and pollers find
// nothing to resolve.
func (a *attachListener) drainPeer(p *attachPeer) {
	buf := make([]byte, 8192)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.pending = append(p.pending, buf[:n]...)
			if len(p.pending) > maxPending {
				p.pending = p.pending[len(p.pending)-maxPending:]
			}
			p.mu.Unlock()
		}
		if err != nil {
			a.mu.Lock()
			delete(a.peers, p.info.ID)
			a.mu.Unlock()
			p.conn.Close()
			log.Infof("session %s: peer detached", p.info.ID)
			return
		}
	}
}

func (a *attachListener) peer(id string) (*attachPeer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, backend.ErrNotFound)
	}
	return p, nil
}

func (l *Local) ListSessions(ctx context.Context) (map[string]backend.SessionInfo, error) {
	sessions := make(map[string]backend.SessionInfo)
	if l.attach == nil {
		return sessions, nil
	}
	l.attach.mu.Lock()
	defer l.attach.mu.Unlock()
	for id, p := range l.attach.peers {
		sessions[id] = p.info
	}
	return sessions, nil
}

func (l *Local) GetSession(ctx context.Context, sessionID string) (backend.SessionInfo, error) {
	if l.attach == nil {
		return backend.SessionInfo{}, fmt.Errorf("session %s: %w", sessionID, backend.ErrNotFound)
	}
	p, err := l.attach.peer(sessionID)
	if err != nil {
		return backend.SessionInfo{}, err
	}
	return p.info, nil
}

func (l *Local) ReadSessionOutput(ctx context.Context, sessionID string, kind backend.SessionKind) (string, error) {
	if l.attach == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, backend.ErrNotFound)
	}
	p, err := l.attach.peer(sessionID)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data := string(p.pending)
	p.pending = nil
	return data, nil
}

func (l *Local) WriteSessionInput(ctx context.Context, sessionID string, kind backend.SessionKind, data string) error {
	if l.attach == nil {
		return fmt.Errorf("session %s: %w", sessionID, backend.ErrNotFound)
	}
	p, err := l.attach.peer(sessionID)
	if err != nil {
		return err
	}
	if _, err := p.conn.Write([]byte(data)); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	return nil
}
