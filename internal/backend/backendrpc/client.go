package backendrpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/webmux/backend/internal/backend"
)

const dialTimeout = 5 * time.Second

// Client is a Backend backed by a remote daemon. The connection is
// dialed lazily and dropped after any transport failure, so the next
// call redials; a daemon restart costs one failed call per caller.
type Client struct {
	network string
	addr    string

	mu  sync.Mutex
	rpc *rpc.Client
}

// NewClient targets addr. An address containing a slash is dialed as a
// unix socket, anything else as TCP. No connection is made until the
// first call.
func NewClient(addr string) *Client {
	network := "tcp"
	if strings.ContainsRune(addr, '/') {
		network = "unix"
	}
	return &Client{network: network, addr: addr}
}

func (c *Client) Close() error {
	c.mu.Lock()
	rc := c.rpc
	c.rpc = nil
	c.mu.Unlock()
	if rc != nil {
		return rc.Close()
	}
	return nil
}

func (c *Client) conn() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		return c.rpc, nil
	}
	conn, err := net.DialTimeout(c.network, c.addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", c.addr, err)
	}
	c.rpc = rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return c.rpc, nil
}

func (c *Client) drop(rc *rpc.Client) {
	c.mu.Lock()
	if c.rpc == rc {
		c.rpc = nil
	}
	c.mu.Unlock()
	rc.Close()
}

// call issues one rpc with ctx honored. Cancelling ctx abandons the
// connection along with the in-flight call; a reply for a dead caller
// is worthless.
func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	rc, err := c.conn()
	if err != nil {
		return err
	}

	call := rc.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		c.drop(rc)
		return ctx.Err()
	case done := <-call.Done:
		if done.Error == nil {
			return nil
		}
		if _, remote := done.Error.(rpc.ServerError); !remote {
			c.drop(rc)
		}
		return restoreSentinel(done.Error)
	}
}

// restoreSentinel re-attaches backend.ErrNotFound to errors that
// crossed the wire, where rpc flattened them to plain strings. The
// message is preserved byte for byte.
func restoreSentinel(err error) error {
	msg := err.Error()
	if !strings.HasSuffix(msg, backend.ErrNotFound.Error()) {
		return err
	}
	prefix := strings.TrimSuffix(msg, backend.ErrNotFound.Error())
	return fmt.Errorf("%s%w", prefix, backend.ErrNotFound)
}

func (c *Client) CreateConsole(ctx context.Context) (string, error) {
	var reply CreateConsoleReply
	if err := c.call(ctx, methodCreateConsole, &Empty{}, &reply); err != nil {
		return "", err
	}
	return reply.ConsoleID, nil
}

func (c *Client) ReadConsole(ctx context.Context, consoleID string) (backend.ConsoleRead, error) {
	var reply ReadConsoleReply
	if err := c.call(ctx, methodReadConsole, &ConsoleArgs{ConsoleID: consoleID}, &reply); err != nil {
		return backend.ConsoleRead{}, err
	}
	return reply.Read, nil
}

func (c *Client) WriteConsole(ctx context.Context, consoleID, data string) error {
	return c.call(ctx, methodWriteConsole, &WriteConsoleArgs{ConsoleID: consoleID, Data: data}, &Empty{})
}

func (c *Client) DestroyConsole(ctx context.Context, consoleID string) error {
	return c.call(ctx, methodDestroyConsole, &ConsoleArgs{ConsoleID: consoleID}, &Empty{})
}

func (c *Client) ListSessions(ctx context.Context) (map[string]backend.SessionInfo, error) {
	var reply ListSessionsReply
	if err := c.call(ctx, methodListSessions, &Empty{}, &reply); err != nil {
		return nil, err
	}
	if reply.Sessions == nil {
		reply.Sessions = make(map[string]backend.SessionInfo)
	}
	return reply.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (backend.SessionInfo, error) {
	var reply GetSessionReply
	if err := c.call(ctx, methodGetSession, &SessionArgs{SessionID: sessionID}, &reply); err != nil {
		return backend.SessionInfo{}, err
	}
	return reply.Session, nil
}

func (c *Client) ReadSessionOutput(ctx context.Context, sessionID string, kind backend.SessionKind) (string, error) {
	var reply ReadSessionOutputReply
	args := &ReadSessionOutputArgs{SessionID: sessionID, Kind: kind}
	if err := c.call(ctx, methodReadSessionOutput, args, &reply); err != nil {
		return "", err
	}
	return reply.Data, nil
}

func (c *Client) WriteSessionInput(ctx context.Context, sessionID string, kind backend.SessionKind, data string) error {
	args := &WriteSessionInputArgs{SessionID: sessionID, Kind: kind, Data: data}
	return c.call(ctx, methodWriteSessionInput, args, &Empty{})
}
