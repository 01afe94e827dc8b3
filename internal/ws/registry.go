package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("log")

// ErrTooManyClients is returned by Add once the client cap is reached.
var ErrTooManyClients = errors.New("too many clients")

// client is one connected peer. All writes go through send so a slow
// reader never blocks a poller; writePump is the only goroutine that
// writes to conn.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// release stops the write pump and closes the connection. Safe to call
// more than once and concurrently with sendEvent.
func (c *client) release() {
	c.once.Do(func() { close(c.done) })
}

// sendEvent queues one outbound frame for the client. It reports false
// when the client is gone or cannot keep up; the frame is then dropped.
func (c *client) sendEvent(event Event, data any) bool {
	frame, err := Encode(event, data)
	if err != nil {
		log.Errorf("encode %s: %v", event, err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case c.send <- frame:
		return true
	default:
		log.Warningf("client %s: send queue full, dropping %s", c.id, event)
		return false
	}
}

// Registry tracks every open client connection by id. It is the sole
// authority pollers consult for client liveness: a poller whose client
// is no longer registered must stop doing upstream work.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	max     int
}

// NewRegistry creates a registry capping concurrent clients at max.
// max <= 0 means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		clients: make(map[string]*client),
		max:     max,
	}
}

// Add wraps conn in a new client, starts its write pump and registers
// it under a fresh id.
func (r *Registry) Add(conn *websocket.Conn) (*client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.clients) >= r.max {
		return nil, ErrTooManyClients
	}
	c := newClient(conn)
	r.clients[c.id] = c
	return c, nil
}

// Remove unregisters id and releases its client. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if ok {
		c.release()
	}
}

// Lookup returns the registered client for id.
func (r *Registry) Lookup(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Alive reports whether id is still registered.
func (r *Registry) Alive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
