package ws

import "fmt"

type handlerFunc func(c *client, data Payload)

func (s *Server) buildDispatch() {
	s.handlers = map[Event]handlerFunc{
		EvCreateConsole:            s.handleCreateConsole,
		EvConsoleInput:             s.handleConsoleInput,
		EvDestroyConsole:           s.handleDestroyConsole,
		EvSubscribeSessions:        s.handleSubscribeSessions,
		EvSubscribeSessionOutput:   s.handleSubscribeSessionOutput,
		EvUnsubscribeSessionOutput: s.handleUnsubscribeSessionOutput,
		EvSessionInput:             s.handleSessionInput,
		EvPing:                     s.handlePing,
	}
}

// dispatch routes one decoded frame to its handler. An unknown event
// is logged and dropped; it never terminates the connection.
func (s *Server) dispatch(c *client, msg Message) {
	h, ok := s.handlers[msg.Event]
	if !ok {
		log.Warningf("client %s: unknown event %q", c.id, msg.Event)
		return
	}
	h(c, msg.Data)
}

// sendError surfaces a one-shot failure to the originating client
// only. Other clients never see it.
func (s *Server) sendError(c *client, err error) {
	c.sendEvent(EvError, ErrorPayload{Message: err.Error()})
}

func missingField(name string) error {
	return fmt.Errorf("missing field %q", name)
}

func (s *Server) handleCreateConsole(c *client, _ Payload) {
	id, err := s.be.CreateConsole(s.ctx)
	if err != nil {
		s.sendError(c, err)
		return
	}
	s.consoles.Start(s.ctx, c, id)
	c.sendEvent(EvConsoleCreated, ConsoleCreatedPayload{ConsoleID: id})
}

func (s *Server) handleConsoleInput(c *client, data Payload) {
	consoleID, ok := data.String("console_id")
	if !ok {
		s.sendError(c, missingField("console_id"))
		return
	}
	command, ok := data.String("command")
	if !ok {
		s.sendError(c, missingField("command"))
		return
	}
	if err := s.be.WriteConsole(s.ctx, consoleID, command+"\n"); err != nil {
		s.sendError(c, err)
	}
}

func (s *Server) handleDestroyConsole(c *client, data Payload) {
	consoleID, ok := data.String("console_id")
	if !ok {
		s.sendError(c, missingField("console_id"))
		return
	}
	s.consoles.Stop(c.id, consoleID)
	if err := s.be.DestroyConsole(s.ctx, consoleID); err != nil {
		s.sendError(c, err)
		return
	}
	c.sendEvent(EvConsoleDestroyed, ConsoleDestroyedPayload{ConsoleID: consoleID})
}

func (s *Server) handleSubscribeSessions(c *client, _ Payload) {
	s.roster.Subscribe(c)
	// The subscription sticks even if this initial snapshot fails; the
	// monitor will deliver the next successful one.
	sessions, err := s.be.ListSessions(s.ctx)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.sendEvent(EvSessionsUpdate, SessionsUpdatePayload{Sessions: sessions})
}

func (s *Server) handleSubscribeSessionOutput(c *client, data Payload) {
	sessionID, ok := data.String("session_id")
	if !ok {
		s.sendError(c, missingField("session_id"))
		return
	}
	s.sessions.Start(s.ctx, c, sessionID)
}

func (s *Server) handleUnsubscribeSessionOutput(c *client, data Payload) {
	sessionID, ok := data.String("session_id")
	if !ok {
		s.sendError(c, missingField("session_id"))
		return
	}
	s.sessions.Stop(c.id, sessionID)
}

func (s *Server) handleSessionInput(c *client, data Payload) {
	sessionID, ok := data.String("session_id")
	if !ok {
		s.sendError(c, missingField("session_id"))
		return
	}
	command, ok := data.String("command")
	if !ok {
		s.sendError(c, missingField("command"))
		return
	}
	// Resolve the session's current kind so input routes through the
	// right write path even after an upgrade.
	info, err := s.be.GetSession(s.ctx, sessionID)
	if err != nil {
		s.sendError(c, err)
		return
	}
	if err := s.be.WriteSessionInput(s.ctx, sessionID, info.Kind, command+"\n"); err != nil {
		s.sendError(c, err)
	}
}

func (s *Server) handlePing(c *client, _ Payload) {
	c.sendEvent(EvPong, nil)
}
