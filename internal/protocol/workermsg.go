// Package protocol defines the two wire encodings used by the control
// plane: the length-prefixed framing shared by every connection, the
// msgpack worker protocol, and the JSON scheduler-bridge protocol.
//
// Worker-protocol messages travel in batches: one frame carries one msgpack
// array of messages. Every message is a msgpack map whose field names are
// preserved on the wire (forward compatibility), with an "op" key
// discriminating the message kind.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Worker-protocol op discriminators.
const (
	OpRegisterWorker    = "register-worker"
	OpHeartbeatResponse = "heartbeat-response"
	OpComputeTask       = "compute-task"
	OpTaskFinished      = "task-finished"
	OpTaskErred         = "task-erred"
	OpAddKeys           = "add-keys"
	OpKeepAlive         = "keep-alive"
)

// StatusOK is the status value a worker reports on successful completion.
// Anything else on a TaskFinished message is a protocol violation and must
// be routed to the error path, never assumed away.
const StatusOK = "OK"

// WorkerMessage is implemented by every message that can appear on a worker
// connection, in either direction.
type WorkerMessage interface {
	// WireOp returns the op discriminator written to the wire.
	WireOp() string
}

// RegisterWorkerMsg is the first message a worker sends after connecting.
type RegisterWorkerMsg struct {
	Op       string `msgpack:"op"`
	Capacity int    `msgpack:"ncpus"`
	Address  string `msgpack:"address"`
}

func (RegisterWorkerMsg) WireOp() string { return OpRegisterWorker }

// HeartbeatResponseMsg acknowledges a registration and advertises the
// heartbeat interval the worker is expected to honour.
type HeartbeatResponseMsg struct {
	Op                string   `msgpack:"op"`
	Status            string   `msgpack:"status"`
	Time              float64  `msgpack:"time"`
	HeartbeatInterval float64  `msgpack:"heartbeat-interval"`
	WorkerPlugins     []string `msgpack:"worker-plugins"`
}

func (HeartbeatResponseMsg) WireOp() string { return OpHeartbeatResponse }

// ComputeTaskMsg instructs a worker to execute one task. WhoHas maps each
// dependency key to the advertised addresses of workers holding its result.
type ComputeTaskMsg struct {
	Op     string              `msgpack:"op"`
	Key    string              `msgpack:"key"`
	WhoHas map[string][]string `msgpack:"who_has"`
	NBytes map[string]int64    `msgpack:"nbytes"`
}

func (ComputeTaskMsg) WireOp() string { return OpComputeTask }

// StartStop records one timed span of a task's execution on the worker.
type StartStop struct {
	Action string  `msgpack:"action"`
	Start  float64 `msgpack:"start"`
	Stop   float64 `msgpack:"stop"`
}

// TaskFinishedMsg reports successful completion of a task.
type TaskFinishedMsg struct {
	Op         string      `msgpack:"op"`
	Status     string      `msgpack:"status"`
	Key        string      `msgpack:"key"`
	NBytes     int64       `msgpack:"nbytes"`
	TypeTag    []byte      `msgpack:"type"`
	StartStops []StartStop `msgpack:"startstops"`
}

func (TaskFinishedMsg) WireOp() string { return OpTaskFinished }

// TaskErredMsg reports a failed task together with its error information.
type TaskErredMsg struct {
	Op        string `msgpack:"op"`
	Status    string `msgpack:"status"`
	Key       string `msgpack:"key"`
	Exception string `msgpack:"exception"`
	Traceback string `msgpack:"traceback"`
}

func (TaskErredMsg) WireOp() string { return OpTaskErred }

// AddKeysMsg announces result keys a worker fetched from peers and now
// holds locally, so the scheduler can route future dependencies to it.
type AddKeysMsg struct {
	Op   string   `msgpack:"op"`
	Keys []string `msgpack:"keys"`
}

func (AddKeysMsg) WireOp() string { return OpAddKeys }

// KeepAliveMsg carries no data; it exists purely to keep the transport
// alive.
type KeepAliveMsg struct {
	Op string `msgpack:"op"`
}

func (KeepAliveMsg) WireOp() string { return OpKeepAlive }

// EncodeBatch serializes a batch of worker-protocol messages into a single
// frame payload. The op discriminator on each message is stamped from its
// type, so callers never need to populate the Op field themselves.
func EncodeBatch(msgs []WorkerMessage) ([]byte, error) {
	stamped := make([]any, len(msgs))
	for i, m := range msgs {
		switch m := m.(type) {
		case *RegisterWorkerMsg:
			m.Op = OpRegisterWorker
		case *HeartbeatResponseMsg:
			m.Op = OpHeartbeatResponse
		case *ComputeTaskMsg:
			m.Op = OpComputeTask
		case *TaskFinishedMsg:
			m.Op = OpTaskFinished
		case *TaskErredMsg:
			m.Op = OpTaskErred
		case *AddKeysMsg:
			m.Op = OpAddKeys
		case *KeepAliveMsg:
			m.Op = OpKeepAlive
		default:
			return nil, fmt.Errorf("protocol: cannot encode message type %T", m)
		}
		stamped[i] = m
	}
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(stamped); err != nil {
		return nil, fmt.Errorf("protocol: encode batch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch deserializes one frame payload into its worker-protocol
// messages. Any malformed element or unknown op yields an error; the caller
// treats that as fatal for the connection.
func DecodeBatch(payload []byte) ([]WorkerMessage, error) {
	var raw []msgpack.RawMessage
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("protocol: decode batch: %w", err)
	}
	msgs := make([]WorkerMessage, 0, len(raw))
	for i, elem := range raw {
		var probe struct {
			Op string `msgpack:"op"`
		}
		if err := msgpack.Unmarshal(elem, &probe); err != nil {
			return nil, fmt.Errorf("protocol: decode message %d: %w", i, err)
		}
		var (
			msg WorkerMessage
			err error
		)
		switch probe.Op {
		case OpRegisterWorker:
			m := new(RegisterWorkerMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		case OpHeartbeatResponse:
			m := new(HeartbeatResponseMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		case OpComputeTask:
			m := new(ComputeTaskMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		case OpTaskFinished:
			m := new(TaskFinishedMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		case OpTaskErred:
			m := new(TaskErredMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		case OpAddKeys:
			m := new(AddKeysMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		case OpKeepAlive:
			m := new(KeepAliveMsg)
			err = msgpack.Unmarshal(elem, m)
			msg = m
		default:
			return nil, fmt.Errorf("protocol: unknown op %q in message %d", probe.Op, i)
		}
		if err != nil {
			return nil, fmt.Errorf("protocol: decode %s message: %w", probe.Op, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
