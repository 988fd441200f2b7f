// Package bridge maintains the single connection to the external scheduling
// authority, relaying scheduling events out and placement decisions in over
// length-prefixed JSON frames.
package bridge

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/vk/gridschedgo/internal/ctxlog"
	"github.com/vk/gridschedgo/internal/protocol"
	"github.com/vk/gridschedgo/internal/pump"
)

// protocolVersion is sent in the registration handshake; it must track the
// scheduling authority's expectations.
const protocolVersion = 1

// queueSize bounds both relay channels. Producers never block on the
// bridge: the worker side drops events when the queue is full.
const queueSize = 512

// Bridge relays messages between the process and the scheduling authority.
// Outgoing and Incoming survive reconnects; only the connection inside Run
// is per-attempt.
type Bridge struct {
	addr string
	name string

	// Outgoing carries scheduling events produced by the rest of the
	// system. Incoming carries decoded authority messages for the rest of
	// the system to consume.
	Outgoing chan protocol.ToSchedulerMessage
	Incoming chan protocol.FromSchedulerMessage
}

// New builds a bridge towards the authority at addr. name identifies this
// scheduler in the registration handshake.
func New(addr, name string) *Bridge {
	return &Bridge{
		addr:     addr,
		name:     name,
		Outgoing: make(chan protocol.ToSchedulerMessage, queueSize),
		Incoming: make(chan protocol.FromSchedulerMessage, queueSize),
	}
}

// Run dials the authority, performs the registration handshake and pumps
// messages until either direction ends or the context is cancelled. It
// returns the terminating error; the caller owns the reconnect policy.
func (b *Bridge) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", b.addr, err)
	}

	reg, err := protocol.EncodeBridge(protocol.SchedulerRegistration{
		ProtocolVersion: protocolVersion,
		SchedulerName:   b.name,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := protocol.WriteFrame(conn, reg); err != nil {
		conn.Close()
		return fmt.Errorf("bridge: send registration: %w", err)
	}
	logger.Info("Connected to scheduling authority.", "address", b.addr)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// The encoder goroutine turns typed messages into frame payloads for
	// the pump; closing out on return ends the pump's send loop.
	out := make(chan []byte)
	g.Go(func() error {
		defer close(out)
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-b.Outgoing:
				payload, err := protocol.EncodeBridge(msg)
				if err != nil {
					return err
				}
				select {
				case out <- payload:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		// A pump that ends cleanly must still stop the encoder goroutine.
		defer cancel()
		return pump.Run(gctx, conn, out, func(payload []byte) error {
			msg, err := protocol.DecodeFromScheduler(payload)
			if err != nil {
				return err
			}
			logger.Debug("Received scheduler command.", "type", msg.Type)
			select {
			case b.Incoming <- msg:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	return g.Wait()
}
