package protocol

import (
	"encoding/json"
	"fmt"
)

// Scheduler-bridge message type discriminators.
const (
	BridgeNewTask         = "new-task"
	BridgeTaskFinished    = "task-finished"
	BridgeTaskErred       = "task-erred"
	BridgeNewWorker       = "new-worker"
	BridgeRemovedWorker   = "removed-worker"
	BridgeTasksReleased   = "tasks-released"
	BridgeTaskAssignments = "task-assignments"
)

// SchedulerRegistration is the handshake sent to the external scheduling
// authority immediately after the bridge connection is established. Its
// schema is owned by the authority and must stay wire-compatible with it.
type SchedulerRegistration struct {
	ProtocolVersion int    `json:"protocol_version"`
	SchedulerName   string `json:"scheduler_name"`
}

// NewTaskEvent announces a submitted task and its dependencies.
type NewTaskEvent struct {
	Key  string   `json:"key"`
	Deps []string `json:"deps,omitempty"`
}

// TaskResultEvent reports a terminal task transition (finished or erred).
type TaskResultEvent struct {
	Key    string `json:"key"`
	Worker uint64 `json:"worker"`
	NBytes int64  `json:"nbytes,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WorkerEvent announces a worker joining or leaving the cluster.
type WorkerEvent struct {
	Worker   uint64 `json:"worker"`
	Capacity int    `json:"capacity,omitempty"`
	Address  string `json:"address,omitempty"`
}

// TasksReleasedEvent reports tasks returned to the waiting state after
// their assigned worker disconnected, so the authority can re-place them.
type TasksReleasedEvent struct {
	Keys []string `json:"keys"`
}

// ToSchedulerMessage is the tagged union sent from this process to the
// scheduling authority. Exactly one event field is populated, selected by
// Type.
type ToSchedulerMessage struct {
	Type          string              `json:"type"`
	NewTask       *NewTaskEvent       `json:"new_task,omitempty"`
	TaskFinished  *TaskResultEvent    `json:"task_finished,omitempty"`
	TaskErred     *TaskResultEvent    `json:"task_erred,omitempty"`
	NewWorker     *WorkerEvent        `json:"new_worker,omitempty"`
	RemovedWorker *WorkerEvent        `json:"removed_worker,omitempty"`
	TasksReleased *TasksReleasedEvent `json:"tasks_released,omitempty"`
}

// TaskAssignment is one placement decision from the scheduling authority.
type TaskAssignment struct {
	Task   string `json:"task"`
	Worker uint64 `json:"worker"`
}

// FromSchedulerMessage is the tagged union received from the scheduling
// authority.
type FromSchedulerMessage struct {
	Type        string           `json:"type"`
	Assignments []TaskAssignment `json:"assignments,omitempty"`
}

// EncodeBridge serializes one bridge-protocol value into a frame payload.
func EncodeBridge(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode bridge message: %w", err)
	}
	return data, nil
}

// DecodeFromScheduler deserializes one frame payload received from the
// scheduling authority.
func DecodeFromScheduler(payload []byte) (FromSchedulerMessage, error) {
	var msg FromSchedulerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return FromSchedulerMessage{}, fmt.Errorf("protocol: decode bridge message: %w", err)
	}
	if msg.Type == "" {
		return FromSchedulerMessage{}, fmt.Errorf("protocol: bridge message missing type")
	}
	return msg, nil
}
