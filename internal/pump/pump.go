// Package pump implements the bidirectional relay used by every framed
// connection in the system: a send loop draining an outbound channel and a
// receive loop feeding an inbound handler, joined so that the first loop to
// finish, cleanly or with an error, tears the whole connection down.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/vk/gridschedgo/internal/protocol"
)

// errDirectionDone marks a clean finish of one direction (outbound channel
// closed, or EOF on a frame boundary). It cancels the sibling loop through
// the group context and is mapped back to nil before Run returns.
var errDirectionDone = errors.New("pump: direction finished")

// Run relays frames in both directions until one direction finishes.
//
// The send loop writes each payload from outbound as one frame and ends
// when the channel is closed or a write fails. The receive loop reads
// frames and hands each payload to onFrame, ending on EOF, a read error,
// or an onFrame error. Whichever loop ends first decides the result: the
// connection is closed to unblock the sibling's in-flight read or write,
// and the sibling's resulting error is discarded.
//
// Run closes conn before returning. It returns nil when the deciding loop
// finished cleanly, ctx.Err() when the context was cancelled, and the
// deciding loop's error otherwise.
func Run(ctx context.Context, conn net.Conn, outbound <-chan []byte, onFrame func([]byte) error) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the conn is the only cancellation mechanism: blocked reads
	// and writes fail immediately once the group context ends.
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case payload, ok := <-outbound:
				if !ok {
					return errDirectionDone
				}
				if err := protocol.WriteFrame(conn, payload); err != nil {
					return fmt.Errorf("pump: send: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			payload, err := protocol.ReadFrame(conn)
			if errors.Is(err, io.EOF) {
				return errDirectionDone
			}
			if err != nil {
				return fmt.Errorf("pump: receive: %w", err)
			}
			if err := onFrame(payload); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errDirectionDone):
		return nil
	case ctx.Err() != nil && (errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)):
		// The abandoned loop lost the race against external cancellation;
		// report the cancellation, not the induced close.
		return ctx.Err()
	default:
		return err
	}
}
