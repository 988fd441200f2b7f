package workerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/vk/gridschedgo/internal/core"
	"github.com/vk/gridschedgo/internal/ctxlog"
	"github.com/vk/gridschedgo/internal/protocol"
	"github.com/vk/gridschedgo/internal/pump"
)

// handleConn runs one worker connection from handshake to teardown. All
// errors here are fatal for this connection only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ctx = ctxlog.With(ctx, "remote", conn.RemoteAddr().String(), "conn", uuid.NewString())
	logger := ctxlog.FromContext(ctx)

	reg, err := s.handshake(conn)
	if err != nil {
		logger.Error("Worker handshake failed.", "error", err)
		conn.Close()
		return
	}

	id := s.core.NewWorkerID()
	w := core.NewWorker(id, reg.Capacity, reg.Address)

	// The acknowledgement is queued ahead of registration so it is the
	// first frame out, before any task can be dispatched.
	ack, err := protocol.EncodeBatch([]protocol.WorkerMessage{&protocol.HeartbeatResponseMsg{
		Status:            protocol.StatusOK,
		Time:              float64(time.Now().UnixMilli()) / 1e3,
		HeartbeatInterval: s.heartbeatInterval.Seconds(),
		WorkerPlugins:     []string{},
	}})
	if err != nil {
		logger.Error("Encoding heartbeat response failed.", "error", err)
		conn.Close()
		return
	}
	if err := w.Send(ack); err != nil {
		logger.Error("Queueing heartbeat response failed.", "error", err)
		conn.Close()
		return
	}

	if err := s.core.RegisterWorker(w); err != nil {
		// Duplicate id means the id discipline is broken: registry
		// corruption, fail loudly.
		logger.Error("Worker registration failed.", "worker", id, "error", err)
		conn.Close()
		return
	}
	ctx = ctxlog.With(ctx, "worker", id)
	logger = ctxlog.FromContext(ctx)
	logger.Info("New worker registered.", "capacity", w.Capacity, "listen_address", w.ListenAddress)
	s.announce(ctx, protocol.ToSchedulerMessage{
		Type:      protocol.BridgeNewWorker,
		NewWorker: &protocol.WorkerEvent{Worker: uint64(id), Capacity: w.Capacity, Address: w.ListenAddress},
	})

	err = pump.Run(ctx, conn, w.Outbox(), func(payload []byte) error {
		return s.handleBatch(ctx, w, payload)
	})
	if err != nil {
		logger.Error("Worker connection failed.", "error", err)
	}

	released := s.core.UnregisterWorker(id)
	logger.Info("Worker connection closed.", "released_tasks", len(released))
	s.announce(ctx, protocol.ToSchedulerMessage{
		Type:          protocol.BridgeRemovedWorker,
		RemovedWorker: &protocol.WorkerEvent{Worker: uint64(id)},
	})
	if len(released) > 0 {
		s.announce(ctx, protocol.ToSchedulerMessage{
			Type:          protocol.BridgeTasksReleased,
			TasksReleased: &protocol.TasksReleasedEvent{Keys: released},
		})
	}
}

// handshake reads the first frame and requires it to open with a
// RegisterWorker message.
func (s *Server) handshake(conn net.Conn) (*protocol.RegisterWorkerMsg, error) {
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	msgs, err := protocol.DecodeBatch(payload)
	if err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	if len(msgs) != 1 {
		return nil, fmt.Errorf("expected a single registration message, got %d messages", len(msgs))
	}
	reg, ok := msgs[0].(*protocol.RegisterWorkerMsg)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %s", protocol.OpRegisterWorker, msgs[0].WireOp())
	}
	return reg, nil
}

// handleBatch processes one inbound frame from a registered worker. Newly
// runnable tasks are dispatched before returning, keeping assignment
// latency bounded by one inbound-batch cycle. A returned error kills this
// connection.
func (s *Server) handleBatch(ctx context.Context, w *core.Worker, payload []byte) error {
	logger := ctxlog.FromContext(ctx)
	msgs, err := protocol.DecodeBatch(payload)
	if err != nil {
		return err
	}

	var runnable []string
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *protocol.TaskFinishedMsg:
			if m.Status != protocol.StatusOK {
				// A finish report without success status is a protocol
				// violation; route it to the error path, never assume it
				// away.
				logger.Warn("TaskFinished with non-success status, routing to error path.", "task", m.Key, "status", m.Status)
				if err := s.taskErred(ctx, w, core.ErrorReport{
					Key:       m.Key,
					Exception: fmt.Sprintf("worker reported status %q on task-finished", m.Status),
				}); err != nil {
					return err
				}
				continue
			}
			ready, err := s.core.OnTaskFinished(w.ID, core.FinishedReport{Key: m.Key, NBytes: m.NBytes})
			if err != nil {
				return err
			}
			logger.Debug("Task finished.", "task", m.Key, "nbytes", m.NBytes)
			s.announce(ctx, protocol.ToSchedulerMessage{
				Type:         protocol.BridgeTaskFinished,
				TaskFinished: &protocol.TaskResultEvent{Key: m.Key, Worker: uint64(w.ID), NBytes: m.NBytes},
			})
			runnable = append(runnable, ready.Runnable...)
			if len(ready.Unplaced) > 0 {
				// The authority derives readiness from task events and will
				// place these in due course.
				logger.Debug("Tasks unblocked but awaiting placement.", "tasks", ready.Unplaced)
			}

		case *protocol.TaskErredMsg:
			if err := s.taskErred(ctx, w, core.ErrorReport{Key: m.Key, Exception: m.Exception, Traceback: m.Traceback}); err != nil {
				return err
			}

		case *protocol.AddKeysMsg:
			s.core.AddReplicas(w.ID, m.Keys)

		case *protocol.KeepAliveMsg:
			// Exists purely to keep the transport alive.

		default:
			return fmt.Errorf("workerconn: unexpected %s message from worker", msg.WireOp())
		}
	}

	if len(runnable) > 0 {
		s.Dispatch(ctx, runnable)
	}
	return nil
}

// taskErred records a failure and announces every task it fails, the
// reported one first and cascaded dependents after.
func (s *Server) taskErred(ctx context.Context, w *core.Worker, rep core.ErrorReport) error {
	failed, err := s.core.OnTaskErred(w.ID, rep)
	if err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx)
	logger.Warn("Task failed.", "task", rep.Key, "exception", rep.Exception, "failed_dependents", len(failed)-1)
	for i, key := range failed {
		ev := &protocol.TaskResultEvent{Key: key, Error: fmt.Sprintf("upstream task %q failed", rep.Key)}
		if i == 0 {
			ev.Worker = uint64(w.ID)
			ev.Error = rep.Exception
		}
		s.announce(ctx, protocol.ToSchedulerMessage{Type: protocol.BridgeTaskErred, TaskErred: ev})
	}
	return nil
}

// Dispatch runs the dispatch step for a set of runnable tasks: one
// ComputeTask batch per placed worker, in ready order. A send failure to
// one worker is logged and skipped; dispatch to the others continues.
func (s *Server) Dispatch(ctx context.Context, ready []string) {
	logger := ctxlog.FromContext(ctx)
	batches, skipped := s.core.BuildDispatch(ready)
	if len(skipped) > 0 {
		// Their worker vanished between readiness and dispatch; the
		// unregistration path has requeued them already.
		logger.Debug("Skipping tasks whose worker disappeared.", "tasks", skipped)
	}
	for _, b := range batches {
		msgs := make([]protocol.WorkerMessage, 0, len(b.Tasks))
		for _, spec := range b.Tasks {
			msgs = append(msgs, &protocol.ComputeTaskMsg{Key: spec.Key, WhoHas: spec.WhoHas, NBytes: spec.NBytes})
			logger.Debug("Task assigned.", "task", spec.Key, "worker", b.Worker.ID)
		}
		payload, err := protocol.EncodeBatch(msgs)
		if err != nil {
			logger.Error("Encoding dispatch batch failed.", "worker", b.Worker.ID, "error", err)
			continue
		}
		if err := b.Worker.Send(payload); err != nil {
			// Partial-failure semantics: worker cleanup happens when its
			// connection terminates, so just log and move on.
			logger.Debug("Sending tasks to worker failed.", "worker", b.Worker.ID, "error", err)
		}
	}
}
