package ws

import "github.com/webmux/backend/internal/backend"

// Event names one wire-protocol message type.
type Event string

// Inbound events, sent by clients.
const (
	EvCreateConsole            Event = "create_console"
	EvConsoleInput             Event = "console_input"
	EvDestroyConsole           Event = "destroy_console"
	EvSubscribeSessions        Event = "subscribe_sessions"
	EvSubscribeSessionOutput   Event = "subscribe_session_output"
	EvUnsubscribeSessionOutput Event = "unsubscribe_session_output"
	EvSessionInput             Event = "session_input"
	EvPing                     Event = "ping"
)

// Outbound events, pushed to clients.
const (
	EvConnect          Event = "connect"
	EvConsoleCreated   Event = "console_created"
	EvConsoleOutput    Event = "console_output"
	EvConsoleDestroyed Event = "console_destroyed"
	EvSessionsUpdate   Event = "sessions_update"
	EvSessionOpened    Event = "session_opened"
	EvSessionClosed    Event = "session_closed"
	EvSessionOutput    Event = "session_output"
	EvPong             Event = "pong"
	EvError            Event = "error"
)

type ConnectPayload struct {
	ClientID string `json:"client_id"`
}

type ConsoleCreatedPayload struct {
	ConsoleID string `json:"console_id"`
}

type ConsoleOutputPayload struct {
	ConsoleID string `json:"console_id"`
	Data      string `json:"data"`
	Prompt    string `json:"prompt"`
	Busy      bool   `json:"busy"`
}

type ConsoleDestroyedPayload struct {
	ConsoleID string `json:"console_id"`
}

type SessionsUpdatePayload struct {
	Sessions map[string]backend.SessionInfo `json:"sessions"`
}

type SessionOpenedPayload struct {
	SessionID string              `json:"session_id"`
	Session   backend.SessionInfo `json:"session"`
}

type SessionClosedPayload struct {
	SessionID string `json:"session_id"`
}

type SessionOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
