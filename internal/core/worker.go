package core

import (
	"errors"
	"sync"
)

// WorkerID identifies a registered worker. Ids are issued monotonically and
// never reused within a process lifetime.
type WorkerID uint64

// NoWorker is the zero WorkerID, meaning "no placement". Issued ids start
// at 1.
const NoWorker WorkerID = 0

// outboxSize is the per-worker outbound queue depth. The queue is meant to
// behave as unbounded (a slow worker must never block dispatch); a worker
// that falls this many frames behind is treated as undrainable and dispatch
// to it fails with ErrOutboxFull instead of blocking.
const outboxSize = 1024

var (
	// ErrWorkerGone is returned by Send after the worker's outbox has been
	// closed by unregistration.
	ErrWorkerGone = errors.New("core: worker unregistered")
	// ErrOutboxFull is returned by Send when the worker's outbound queue is
	// saturated.
	ErrOutboxFull = errors.New("core: worker outbox full")
)

// Worker is one registry entry for a connected worker. The connection
// handler that registered it is its sole logical owner; everyone else only
// Sends to it.
type Worker struct {
	ID            WorkerID
	Capacity      int
	ListenAddress string

	mu     sync.Mutex
	closed bool
	outbox chan []byte
}

// NewWorker builds an entry with an open outbox. A capacity of zero or less
// is defaulted to one execution slot.
func NewWorker(id WorkerID, capacity int, listenAddress string) *Worker {
	if capacity <= 0 {
		capacity = 1
	}
	return &Worker{
		ID:            id,
		Capacity:      capacity,
		ListenAddress: listenAddress,
		outbox:        make(chan []byte, outboxSize),
	}
}

// Outbox is the send source for this worker's connection pump. It is
// closed when the worker is unregistered, which ends the pump's send loop.
func (w *Worker) Outbox() <-chan []byte { return w.outbox }

// Send enqueues one pre-encoded frame payload without blocking. It fails
// with ErrWorkerGone after unregistration and ErrOutboxFull when the queue
// is saturated; callers log and skip, dispatch to other workers continues.
func (w *Worker) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerGone
	}
	select {
	case w.outbox <- payload:
		return nil
	default:
		return ErrOutboxFull
	}
}

// close shuts the outbox exactly once. Called by Core during
// unregistration.
func (w *Worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.outbox)
	}
}
