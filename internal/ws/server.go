package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webmux/backend/internal/backend"
	"github.com/webmux/backend/internal/config"
)

// Server owns the websocket surface: the connection registry, the
// dispatch table, both subscription managers and the roster monitor,
// all built over one Backend.
type Server struct {
	cfg      *config.Config
	be       backend.Backend
	reg      *Registry
	consoles *ConsoleManager
	sessions *SessionManager
	roster   *RosterMonitor
	handlers map[Event]handlerFunc

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string

	ctx     context.Context
	started time.Time
}

func NewServer(cfg *config.Config, be backend.Backend) *Server {
	reg := NewRegistry(cfg.Server.MaxClients)
	s := &Server{
		cfg:            cfg,
		be:             be,
		reg:            reg,
		consoles:       NewConsoleManager(be, reg, cfg.Poll.ConsoleBusy, cfg.Poll.ConsoleIdle),
		sessions:       NewSessionManager(be, reg, cfg.Poll.Session),
		roster:         NewRosterMonitor(be, cfg.Poll.RosterTick, cfg.Poll.RosterBackoff),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		ctx:            context.Background(),
		started:        time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.buildDispatch()
	return s
}

// Start launches the roster monitor and adopts ctx as the base context
// for every upstream call made on behalf of clients. Cancelling ctx
// stops the monitor and every poller started afterwards.
func (s *Server) Start(ctx context.Context) {
	s.ctx = ctx
	go s.roster.Run(ctx)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warningf("ws upgrade error: %v", err)
		return
	}

	c, err := s.reg.Add(conn)
	if err != nil {
		log.Warningf("rejecting %s: %v", r.RemoteAddr, err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log.Infof("client %s connected from %s", c.id, r.RemoteAddr)
	c.sendEvent(EvConnect, ConnectPayload{ClientID: c.id})

	go s.readLoop(c, r.RemoteAddr)
}

// readLoop pumps inbound frames for one client until the connection
// dies, then runs the disconnect teardown.
func (s *Server) readLoop(c *client, remote string) {
	defer func() {
		s.disconnect(c)
		log.Infof("client %s disconnected from %s", c.id, remote)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := Decode(raw)
		if !ok {
			// Malformed frames are dropped without a reply.
			continue
		}
		s.dispatch(c, msg)
	}
}

// disconnect tears down everything keyed to c: registry entry, roster
// subscription and every poller in both managers. Each step stands
// alone; none can prevent the others from running.
func (s *Server) disconnect(c *client) {
	s.reg.Remove(c.id)
	s.roster.Unsubscribe(c.id)
	s.consoles.StopAll(c.id)
	s.sessions.StopAll(c.id)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessions, err := s.be.ListSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Webmux-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// securityHeaders wraps h with the standard hardening headers.
func securityHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		h.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Infof("server listening on %s", addr)
	return http.ListenAndServe(addr, securityHeaders(mux))
}
