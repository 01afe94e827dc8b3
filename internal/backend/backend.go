// Package backend defines the upstream surface the multiplexer polls.
//
// The upstream owns all console and session state. It exposes no push
// channel: every byte of output is obtained by polling, and the poll
// cadence is entirely the caller's business. Implementations must be
// safe for concurrent use, one call may arrive per active poller.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a console or session id does not exist
// upstream. Pollers treat it as "the resource is gone", not as a fault.
var ErrNotFound = errors.New("backend: not found")

// ConsoleRead is the result of draining a console's pending output.
type ConsoleRead struct {
	// Data is everything the console produced since the previous read,
	// empty when nothing happened.
	Data string `json:"data"`
	// Prompt is the current prompt line, resent on every read.
	Prompt string `json:"prompt"`
	// Busy reports whether the console is still executing a command.
	Busy bool `json:"busy"`
}

// SessionKind classifies a session by its interaction model.
type SessionKind string

const (
	// KindShell sessions produce discrete command output.
	KindShell SessionKind = "shell"
	// KindPTY sessions stream raw terminal bytes.
	KindPTY SessionKind = "pty"
)

// SessionInfo describes one live session. All fields are comparable so
// roster snapshots can be diffed with maps.Equal.
type SessionInfo struct {
	ID          string      `json:"id"`
	Kind        SessionKind `json:"kind"`
	Desc        string      `json:"desc"`
	User        string      `json:"user,omitempty"`
	Host        string      `json:"host,omitempty"`
	TunnelLocal string      `json:"tunnel_local,omitempty"`
	TunnelPeer  string      `json:"tunnel_peer,omitempty"`
	OpenedAt    int64       `json:"opened_at"`
}

// Backend is the full upstream contract. Console ids and session ids
// are opaque strings minted by the implementation.
type Backend interface {
	// CreateConsole allocates a fresh console and returns its id.
	CreateConsole(ctx context.Context) (string, error)

	// ReadConsole drains pending output from a console. A read is
	// destructive: the same data is never returned twice.
	ReadConsole(ctx context.Context, consoleID string) (ConsoleRead, error)

	// WriteConsole submits one line of input to a console. The caller
	// is responsible for any trailing newline.
	WriteConsole(ctx context.Context, consoleID, data string) error

	// DestroyConsole releases a console and everything it holds.
	DestroyConsole(ctx context.Context, consoleID string) error

	// ListSessions returns a snapshot of every live session keyed by id.
	ListSessions(ctx context.Context) (map[string]SessionInfo, error)

	// GetSession returns a single session's descriptor, ErrNotFound
	// once the session has died.
	GetSession(ctx context.Context, sessionID string) (SessionInfo, error)

	// ReadSessionOutput drains pending output from a session. Like
	// console reads it is destructive. kind selects the read path and
	// must match the session's current kind.
	ReadSessionOutput(ctx context.Context, sessionID string, kind SessionKind) (string, error)

	// WriteSessionInput submits input to a session. Shell sessions
	// expect whole commands, pty sessions accept raw bytes. kind
	// selects the write path.
	WriteSessionInput(ctx context.Context, sessionID string, kind SessionKind, data string) error
}
