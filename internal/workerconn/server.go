// Package workerconn accepts worker connections and runs one handler per
// connection: registration handshake, then a connection pump translating
// worker reports into core registry transitions and dispatch decisions into
// outbound compute batches.
package workerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vk/gridschedgo/internal/core"
	"github.com/vk/gridschedgo/internal/ctxlog"
	"github.com/vk/gridschedgo/internal/protocol"
)

// Server owns the worker-protocol listener side.
type Server struct {
	core              *core.Core
	heartbeatInterval time.Duration
	events            chan<- protocol.ToSchedulerMessage
}

// NewServer builds a Server. events may be nil when no scheduler bridge is
// wired (tests); event sends never block.
func NewServer(c *core.Core, heartbeatInterval time.Duration, events chan<- protocol.ToSchedulerMessage) *Server {
	return &Server{core: c, heartbeatInterval: heartbeatInterval, events: events}
}

// ListenAndServe listens on addr and serves worker connections until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("workerconn: listen on %s: %w", addr, err)
	}
	ctxlog.FromContext(ctx).Info("Worker listener started.", "address", lis.Addr().String())
	return s.Serve(ctx, lis)
}

// Serve runs the accept loop on lis. Each accepted connection gets its own
// goroutine; a failing connection never affects its siblings.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	defer lis.Close()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("workerconn: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// announce forwards an event to the scheduler bridge without ever blocking
// a connection handler. If the bridge is absent or backed up the event is
// dropped and logged; the authority resynchronizes from later events.
func (s *Server) announce(ctx context.Context, msg protocol.ToSchedulerMessage) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- msg:
	default:
		ctxlog.FromContext(ctx).Warn("Dropping scheduler event, bridge queue full.", "type", msg.Type)
	}
}
