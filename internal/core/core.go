// Package core owns the shared task/worker registry of the control plane.
//
// All registry state lives in tables owned by Core and is reached through
// ids and keys, never shared pointers. Every exported operation takes the
// single mutex for its whole duration, so each logical operation (register,
// unregister, record a result, build a dispatch) is atomic with respect to
// the others. No operation blocks on a channel or the network while the
// lock is held; worker sends are non-blocking by construction.
package core

import (
	"fmt"
	"sync"
)

// Core is the single registry shared by all connection handlers and the
// scheduler bridge.
type Core struct {
	mu           sync.Mutex
	nextWorkerID WorkerID
	workers      map[WorkerID]*Worker
	tasks        map[string]*Task

	// replicas tracks which workers hold which result keys, fed by task
	// completion and AddKeys announcements. Used to build who_has maps.
	replicas map[string]map[WorkerID]struct{}
}

// New creates an empty registry.
func New() *Core {
	return &Core{
		workers:  make(map[WorkerID]*Worker),
		tasks:    make(map[string]*Task),
		replicas: make(map[string]map[WorkerID]struct{}),
	}
}

// NewWorkerID issues the next worker id. Ids are monotonically increasing
// and never reused within a process lifetime.
func (c *Core) NewWorkerID() WorkerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWorkerID++
	return c.nextWorkerID
}

// RegisterWorker inserts a worker entry. A duplicate id means the id
// discipline is broken (registry corruption, not a recoverable condition),
// so it is surfaced as an error for the boundary to fail loudly on.
func (c *Core) RegisterWorker(w *Worker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[w.ID]; ok {
		return fmt.Errorf("core: worker id %d already registered", w.ID)
	}
	c.workers[w.ID] = w
	return nil
}

// UnregisterWorker removes a worker and requeues every task that was
// assigned or placed on it: those tasks return to Waiting with no
// placement, and their keys are returned so the caller can ask the
// scheduling authority to re-place them. Unregistering an absent id is a
// no-op.
func (c *Core) UnregisterWorker(id WorkerID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok {
		return nil
	}
	delete(c.workers, id)
	w.close()

	var released []string
	for _, t := range c.tasks {
		if t.Worker != id {
			continue
		}
		if t.State == TaskAssigned || t.State == TaskWaiting {
			t.State = TaskWaiting
			t.Worker = NoWorker
			released = append(released, t.Key)
		}
	}
	for key, holders := range c.replicas {
		delete(holders, id)
		if len(holders) == 0 {
			delete(c.replicas, key)
		}
	}
	return released
}

// AddTask registers a task from the task-graph source in the Waiting state.
// Every dependency must already be known. A task whose dependencies include
// an errored task is failed immediately (fail-fast); one whose dependencies
// are all finished is runnable as soon as it is placed.
func (c *Core) AddTask(key string, deps []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[key]; ok {
		return fmt.Errorf("core: task %q already registered", key)
	}
	for _, dep := range deps {
		if _, ok := c.tasks[dep]; !ok {
			return fmt.Errorf("core: task %q depends on unknown task %q", key, dep)
		}
	}
	t := &Task{Key: key, State: TaskWaiting, Deps: deps}
	for _, dep := range deps {
		dt := c.tasks[dep]
		switch dt.State {
		case TaskFinished:
			// Already satisfied.
		case TaskErrored:
			t.State = TaskErrored
			t.Err = &TaskError{Exception: fmt.Sprintf("upstream task %q failed", dep)}
		default:
			t.pendingDeps++
			dt.Dependents = append(dt.Dependents, key)
		}
	}
	c.tasks[key] = t
	return nil
}

// AssignTask records a placement decision from the scheduling authority.
// It returns whether the task is runnable right away (all dependencies
// already satisfied), in which case the caller should dispatch it in the
// same processing cycle.
func (c *Core) AssignTask(key string, worker WorkerID) (runnable bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[key]
	if !ok {
		return false, fmt.Errorf("core: assignment for unknown task %q", key)
	}
	if t.State != TaskWaiting {
		return false, fmt.Errorf("core: cannot place task %q in state %s", key, t.State)
	}
	if _, ok := c.workers[worker]; !ok {
		return false, fmt.Errorf("core: assignment of task %q to unknown worker %d", key, worker)
	}
	t.Worker = worker
	return t.runnable(), nil
}

// Ready is the outcome of a completion report: tasks that became runnable
// (dispatch them now) and tasks whose dependencies are satisfied but which
// have no placement yet (report them to the scheduling authority).
type Ready struct {
	Runnable []string
	Unplaced []string
}

// OnTaskFinished transitions a task to Finished on a success report from
// its assigned worker and unblocks dependents. The caller must already have
// verified the report's status; a report for a task in the wrong state or
// from the wrong worker is a protocol violation returned as an error.
func (c *Core) OnTaskFinished(worker WorkerID, rep FinishedReport) (Ready, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[rep.Key]
	if !ok {
		return Ready{}, fmt.Errorf("core: finish report for unknown task %q", rep.Key)
	}
	if t.State != TaskAssigned {
		return Ready{}, fmt.Errorf("core: finish report for task %q in state %s", rep.Key, t.State)
	}
	if t.Worker != worker {
		return Ready{}, fmt.Errorf("core: finish report for task %q from worker %d, assigned to %d", rep.Key, worker, t.Worker)
	}
	t.State = TaskFinished
	t.NBytes = rep.NBytes
	c.addReplica(rep.Key, worker)

	var ready Ready
	for _, depKey := range t.Dependents {
		dt := c.tasks[depKey]
		if dt.State != TaskWaiting {
			continue
		}
		dt.pendingDeps--
		if dt.pendingDeps > 0 {
			continue
		}
		if dt.placed() {
			ready.Runnable = append(ready.Runnable, depKey)
		} else {
			ready.Unplaced = append(ready.Unplaced, depKey)
		}
	}
	return ready, nil
}

// OnTaskErred transitions a task to Errored on a failure report from its
// assigned worker and fails every transitive dependent (fail-fast: a
// dependent of an errored task never becomes runnable). It returns every
// key that newly entered the Errored state, the reported task first.
func (c *Core) OnTaskErred(worker WorkerID, rep ErrorReport) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[rep.Key]
	if !ok {
		return nil, fmt.Errorf("core: error report for unknown task %q", rep.Key)
	}
	if t.State != TaskAssigned {
		return nil, fmt.Errorf("core: error report for task %q in state %s", rep.Key, t.State)
	}
	if t.Worker != worker {
		return nil, fmt.Errorf("core: error report for task %q from worker %d, assigned to %d", rep.Key, worker, t.Worker)
	}
	t.State = TaskErrored
	t.Err = &TaskError{Exception: rep.Exception, Traceback: rep.Traceback}

	failed := []string{rep.Key}
	queue := append([]string(nil), t.Dependents...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		dt := c.tasks[key]
		if dt.State == TaskFinished || dt.State == TaskErrored {
			continue
		}
		dt.State = TaskErrored
		dt.Worker = NoWorker
		dt.Err = &TaskError{Exception: fmt.Sprintf("upstream task %q failed", rep.Key)}
		failed = append(failed, key)
		queue = append(queue, dt.Dependents...)
	}
	return failed, nil
}

// AddReplicas records that a worker holds the given result keys, announced
// by the worker after fetching dependencies from peers.
func (c *Core) AddReplicas(worker WorkerID, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.addReplica(key, worker)
	}
}

func (c *Core) addReplica(key string, worker WorkerID) {
	holders, ok := c.replicas[key]
	if !ok {
		holders = make(map[WorkerID]struct{})
		c.replicas[key] = holders
	}
	holders[worker] = struct{}{}
}

// ComputeSpec carries everything needed to build one ComputeTask message.
type ComputeSpec struct {
	Key    string
	WhoHas map[string][]string
	NBytes map[string]int64
}

// Batch is one worker's share of a dispatch step: its runnable tasks in
// ready order.
type Batch struct {
	Worker *Worker
	Tasks  []ComputeSpec
}

// BuildDispatch transitions each runnable task to Assigned and groups the
// batch by placed worker, preserving ready order within each group. Exactly
// one Batch is produced per distinct worker. Keys that are no longer
// runnable (their worker disconnected in the meantime) are skipped and
// returned for the caller to report back to the scheduling authority.
func (c *Core) BuildDispatch(ready []string) (batches []Batch, skipped []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index := make(map[WorkerID]int)
	for _, key := range ready {
		t, ok := c.tasks[key]
		if !ok || !t.runnable() {
			skipped = append(skipped, key)
			continue
		}
		w, ok := c.workers[t.Worker]
		if !ok {
			skipped = append(skipped, key)
			continue
		}
		t.State = TaskAssigned
		spec := ComputeSpec{
			Key:    t.Key,
			WhoHas: make(map[string][]string, len(t.Deps)),
			NBytes: make(map[string]int64, len(t.Deps)),
		}
		for _, dep := range t.Deps {
			spec.NBytes[dep] = c.tasks[dep].NBytes
			for holder := range c.replicas[dep] {
				if hw, ok := c.workers[holder]; ok {
					spec.WhoHas[dep] = append(spec.WhoHas[dep], hw.ListenAddress)
				}
			}
		}
		i, ok := index[w.ID]
		if !ok {
			i = len(batches)
			index[w.ID] = i
			batches = append(batches, Batch{Worker: w})
		}
		batches[i].Tasks = append(batches[i].Tasks, spec)
	}
	return batches, skipped
}

// WorkerInfo is a read-only snapshot of one worker for the ops surface.
type WorkerInfo struct {
	ID       WorkerID `json:"id"`
	Capacity int      `json:"capacity"`
	Address  string   `json:"address"`
	Assigned int      `json:"assigned"`
}

// TaskInfo is a read-only snapshot of one task for the ops surface.
type TaskInfo struct {
	Key    string   `json:"key"`
	State  string   `json:"state"`
	Worker WorkerID `json:"worker,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Workers returns a snapshot of all registered workers.
func (c *Core) Workers() []WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	assigned := make(map[WorkerID]int)
	for _, t := range c.tasks {
		if t.State == TaskAssigned {
			assigned[t.Worker]++
		}
	}
	infos := make([]WorkerInfo, 0, len(c.workers))
	for _, w := range c.workers {
		infos = append(infos, WorkerInfo{
			ID:       w.ID,
			Capacity: w.Capacity,
			Address:  w.ListenAddress,
			Assigned: assigned[w.ID],
		})
	}
	return infos
}

// Tasks returns a snapshot of all known tasks.
func (c *Core) Tasks() []TaskInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]TaskInfo, 0, len(c.tasks))
	for _, t := range c.tasks {
		info := TaskInfo{Key: t.Key, State: t.State.String(), Worker: t.Worker}
		if t.Err != nil {
			info.Error = t.Err.Exception
		}
		infos = append(infos, info)
	}
	return infos
}

// WorkerCount returns the number of registered workers.
func (c *Core) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}
