// Package backendrpc carries backend.Backend across a process boundary
// using net/rpc with the JSON codec. The server side wraps any Backend;
// the client side is itself a Backend, so the websocket layer cannot
// tell a remote daemon from an in-process implementation.
package backendrpc

import (
	"github.com/webmux/backend/internal/backend"
)

// ServiceName is the registered rpc service.
const ServiceName = "Backend"

const (
	methodCreateConsole     = "Backend.CreateConsole"
	methodReadConsole       = "Backend.ReadConsole"
	methodWriteConsole      = "Backend.WriteConsole"
	methodDestroyConsole    = "Backend.DestroyConsole"
	methodListSessions      = "Backend.ListSessions"
	methodGetSession        = "Backend.GetSession"
	methodReadSessionOutput = "Backend.ReadSessionOutput"
	methodWriteSessionInput = "Backend.WriteSessionInput"
)

type Empty struct{}

type ConsoleArgs struct {
	ConsoleID string
}

type CreateConsoleReply struct {
	ConsoleID string
}

type ReadConsoleReply struct {
	Read backend.ConsoleRead
}

type WriteConsoleArgs struct {
	ConsoleID string
	Data      string
}

type ListSessionsReply struct {
	Sessions map[string]backend.SessionInfo
}

type SessionArgs struct {
	SessionID string
}

type GetSessionReply struct {
	Session backend.SessionInfo
}

type ReadSessionOutputArgs struct {
	SessionID string
	Kind      backend.SessionKind
}

type ReadSessionOutputReply struct {
	Data string
}

type WriteSessionInputArgs struct {
	SessionID string
	Kind      backend.SessionKind
	Data      string
}
