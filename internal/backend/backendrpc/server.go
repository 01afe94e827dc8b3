package backendrpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/op/go-logging"

	"github.com/webmux/backend/internal/backend"
)

var log = logging.MustGetLogger("log")

// Handler adapts a Backend to net/rpc's calling convention. Calls carry
// no caller context, so upstream work runs under Background.
type Handler struct {
	be backend.Backend
}

func (h *Handler) CreateConsole(_ *Empty, reply *CreateConsoleReply) error {
	id, err := h.be.CreateConsole(context.Background())
	if err != nil {
		return err
	}
	reply.ConsoleID = id
	return nil
}

func (h *Handler) ReadConsole(args *ConsoleArgs, reply *ReadConsoleReply) error {
	rd, err := h.be.ReadConsole(context.Background(), args.ConsoleID)
	if err != nil {
		return err
	}
	reply.Read = rd
	return nil
}

func (h *Handler) WriteConsole(args *WriteConsoleArgs, _ *Empty) error {
	return h.be.WriteConsole(context.Background(), args.ConsoleID, args.Data)
}

func (h *Handler) DestroyConsole(args *ConsoleArgs, _ *Empty) error {
	return h.be.DestroyConsole(context.Background(), args.ConsoleID)
}

func (h *Handler) ListSessions(_ *Empty, reply *ListSessionsReply) error {
	sessions, err := h.be.ListSessions(context.Background())
	if err != nil {
		return err
	}
	reply.Sessions = sessions
	return nil
}

func (h *Handler) GetSession(args *SessionArgs, reply *GetSessionReply) error {
	info, err := h.be.GetSession(context.Background(), args.SessionID)
	if err != nil {
		return err
	}
	reply.Session = info
	return nil
}

func (h *Handler) ReadSessionOutput(args *ReadSessionOutputArgs, reply *ReadSessionOutputReply) error {
	data, err := h.be.ReadSessionOutput(context.Background(), args.SessionID, args.Kind)
	if err != nil {
		return err
	}
	reply.Data = data
	return nil
}

func (h *Handler) WriteSessionInput(args *WriteSessionInputArgs, _ *Empty) error {
	return h.be.WriteSessionInput(context.Background(), args.SessionID, args.Kind, args.Data)
}

// Server accepts rpc connections and serves them against one Backend.
type Server struct {
	rpc *rpc.Server
}

func NewServer(be backend.Backend) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, &Handler{be: be}); err != nil {
		return nil, err
	}
	return &Server{rpc: srv}, nil
}

// Serve runs the accept loop on ln until ctx is cancelled. Each
// connection gets its own goroutine with a JSON server codec.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Infof("rpc backend listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.rpc.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
