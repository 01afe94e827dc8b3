// Package client speaks the multiplexer's websocket protocol. It is
// what external tooling and integration tests use instead of hand-rolled
// frames: Dial performs the handshake, Next returns typed events, and
// there is a send helper for every inbound event the server accepts.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// SessionInfo mirrors the roster entry shape on the wire.
type SessionInfo struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Desc        string `json:"desc"`
	User        string `json:"user,omitempty"`
	Host        string `json:"host,omitempty"`
	TunnelLocal string `json:"tunnel_local,omitempty"`
	TunnelPeer  string `json:"tunnel_peer,omitempty"`
	OpenedAt    int64  `json:"opened_at"`
}

// Msg is one decoded server frame; a type switch over the *Msg types
// below recovers the payload.
type Msg interface{}

// ConsoleCreatedMsg answers a create console request.
type ConsoleCreatedMsg struct {
	ConsoleID string `json:"console_id"`
}

// ConsoleOutputMsg carries a chunk of console output.
type ConsoleOutputMsg struct {
	ConsoleID string `json:"console_id"`
	Data      string `json:"data"`
	Prompt    string `json:"prompt"`
	Busy      bool   `json:"busy"`
}

// ConsoleDestroyedMsg confirms a console teardown.
type ConsoleDestroyedMsg struct {
	ConsoleID string `json:"console_id"`
}

// SessionsUpdateMsg is a full roster replacement.
type SessionsUpdateMsg struct {
	Sessions map[string]SessionInfo `json:"sessions"`
}

// SessionOpenedMsg announces a session joining the roster.
type SessionOpenedMsg struct {
	SessionID string      `json:"session_id"`
	Session   SessionInfo `json:"session"`
}

// SessionClosedMsg announces a session leaving the roster.
type SessionClosedMsg struct {
	SessionID string `json:"session_id"`
}

// SessionOutputMsg carries a chunk of session output.
type SessionOutputMsg struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// PongMsg answers a ping.
type PongMsg struct{}

// ErrorMsg reports a failed request. Only the client that sent the
// request receives it.
type ErrorMsg struct {
	Message string `json:"message"`
}

// UnknownMsg preserves frames this client version does not understand.
type UnknownMsg struct {
	Event string
	Raw   json.RawMessage
}

// Client is one established protocol connection. Methods are safe for
// concurrent use, but Next must only be called from one goroutine.
type Client struct {
	conn     *websocket.Conn
	clientID string
	writeMu  sync.Mutex
}

// Dial connects to a /ws endpoint, waits for the connect greeting and
// captures the assigned client id. token may be empty when the server
// runs unauthenticated.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{conn: conn}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	msg, err := c.Next()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	greeting, ok := msg.(connectMsg)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("handshake: unexpected first frame %T", msg)
	}
	c.clientID = greeting.ClientID

	return c, nil
}

// ClientID returns the id the server assigned at connect time.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// connectMsg is internal: Dial consumes it before returning.
type connectMsg struct {
	ClientID string `json:"client_id"`
}

// Next blocks until the server sends a frame and returns it decoded.
// The error is terminal; the connection is unusable afterwards.
func (c *Client) Next() (Msg, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("bad frame %s: %w", raw, err)
	}

	decode := func(into Msg) error {
		if len(frame.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(frame.Data, into); err != nil {
			return fmt.Errorf("bad %s payload: %w", frame.Event, err)
		}
		return nil
	}

	switch frame.Event {
	case "connect":
		var p connectMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "console_created":
		var p ConsoleCreatedMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "console_output":
		var p ConsoleOutputMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "console_destroyed":
		var p ConsoleDestroyedMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "sessions_update":
		var p SessionsUpdateMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "session_opened":
		var p SessionOpenedMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "session_closed":
		var p SessionClosedMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "session_output":
		var p SessionOutputMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case "pong":
		return PongMsg{}, nil
	case "error":
		var p ErrorMsg
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return UnknownMsg{Event: frame.Event, Raw: frame.Data}, nil
}

// NextTimeout is Next bounded by a read deadline, for callers that must
// not block forever.
func (c *Client) NextTimeout(d time.Duration) (Msg, error) {
	c.conn.SetReadDeadline(time.Now().Add(d))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.Next()
}

func (c *Client) send(event string, data any) error {
	if data == nil {
		data = struct{}{}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, data})
}

// CreateConsole asks the server for a new console. The id arrives in a
// ConsoleCreatedMsg.
func (c *Client) CreateConsole() error {
	return c.send("create_console", nil)
}

// ConsoleInput submits one command line to a console.
func (c *Client) ConsoleInput(consoleID, command string) error {
	return c.send("console_input", map[string]string{
		"console_id": consoleID,
		"command":    command,
	})
}

// DestroyConsole releases a console.
func (c *Client) DestroyConsole(consoleID string) error {
	return c.send("destroy_console", map[string]string{"console_id": consoleID})
}

// SubscribeSessions opts in to roster push events. The current roster
// arrives immediately as a SessionsUpdateMsg.
func (c *Client) SubscribeSessions() error {
	return c.send("subscribe_sessions", nil)
}

// SubscribeSessionOutput starts the output stream for one session.
func (c *Client) SubscribeSessionOutput(sessionID string) error {
	return c.send("subscribe_session_output", map[string]string{"session_id": sessionID})
}

// UnsubscribeSessionOutput stops a session output stream.
func (c *Client) UnsubscribeSessionOutput(sessionID string) error {
	return c.send("unsubscribe_session_output", map[string]string{"session_id": sessionID})
}

// SessionInput submits one command line to a session.
func (c *Client) SessionInput(sessionID, command string) error {
	return c.send("session_input", map[string]string{
		"session_id": sessionID,
		"command":    command,
	})
}

// Ping requests a PongMsg.
func (c *Client) Ping() error {
	return c.send("ping", nil)
}
