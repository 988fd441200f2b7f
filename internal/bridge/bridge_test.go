package bridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridschedgo/internal/protocol"
)

// fakeAuthority is an in-process stand-in for the external scheduling
// authority: one TCP listener accepting a single bridge connection.
type fakeAuthority struct {
	t   *testing.T
	lis net.Listener
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	return &fakeAuthority{t: t, lis: lis}
}

func (f *fakeAuthority) addr() string { return f.lis.Addr().String() }

// accept waits for the bridge to connect and consumes its registration.
func (f *fakeAuthority) accept() (net.Conn, protocol.SchedulerRegistration) {
	f.t.Helper()
	conn, err := f.lis.Accept()
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })

	require.NoError(f.t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	payload, err := protocol.ReadFrame(conn)
	require.NoError(f.t, err)
	var reg protocol.SchedulerRegistration
	require.NoError(f.t, json.Unmarshal(payload, &reg))
	return conn, reg
}

func runBridge(ctx context.Context, b *Bridge) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return done
}

func TestBridgeRegistersOnConnect(t *testing.T) {
	auth := newFakeAuthority(t)
	b := New(auth.addr(), "test-sched")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runBridge(ctx, b)
	conn, reg := auth.accept()
	assert.Equal(t, "test-sched", reg.SchedulerName)
	assert.Equal(t, protocolVersion, reg.ProtocolVersion)

	// An orderly close by the authority ends the bridge cleanly; the
	// caller decides whether to reconnect.
	conn.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not terminate after peer close")
	}
}

func TestBridgeRelaysBothDirections(t *testing.T) {
	auth := newFakeAuthority(t)
	b := New(auth.addr(), "test-sched")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runBridge(ctx, b)
	conn, _ := auth.accept()

	t.Run("outgoing events reach the authority", func(t *testing.T) {
		b.Outgoing <- protocol.ToSchedulerMessage{
			Type:    protocol.BridgeNewTask,
			NewTask: &protocol.NewTaskEvent{Key: "t1"},
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		payload, err := protocol.ReadFrame(conn)
		require.NoError(t, err)
		var msg protocol.ToSchedulerMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, protocol.BridgeNewTask, msg.Type)
		require.NotNil(t, msg.NewTask)
		assert.Equal(t, "t1", msg.NewTask.Key)
	})

	t.Run("incoming assignments reach the process", func(t *testing.T) {
		payload, err := protocol.EncodeBridge(protocol.FromSchedulerMessage{
			Type:        protocol.BridgeTaskAssignments,
			Assignments: []protocol.TaskAssignment{{Task: "t1", Worker: 7}},
		})
		require.NoError(t, err)
		require.NoError(t, protocol.WriteFrame(conn, payload))

		select {
		case msg := <-b.Incoming:
			assert.Equal(t, protocol.BridgeTaskAssignments, msg.Type)
			require.Len(t, msg.Assignments, 1)
			assert.Equal(t, "t1", msg.Assignments[0].Task)
			assert.Equal(t, uint64(7), msg.Assignments[0].Worker)
		case <-time.After(5 * time.Second):
			t.Fatal("assignment never delivered")
		}
	})
}

func TestBridgeDecodeErrorTerminates(t *testing.T) {
	auth := newFakeAuthority(t)
	b := New(auth.addr(), "test-sched")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runBridge(ctx, b)
	conn, _ := auth.accept()

	require.NoError(t, protocol.WriteFrame(conn, []byte("{broken")))
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not terminate on decode error")
	}
}

func TestBridgeDialFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close() // nothing listens here anymore

	b := New(addr, "test-sched")
	assert.Error(t, b.Run(context.Background()))
}

func TestBridgeContextCancel(t *testing.T) {
	auth := newFakeAuthority(t)
	b := New(auth.addr(), "test-sched")
	ctx, cancel := context.WithCancel(context.Background())

	done := runBridge(ctx, b)
	auth.accept()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not terminate on cancel")
	}
}
