package scheduler

import "sync"

// WakeState is the state of the dispatcher as seen by producers
type WakeState int

const (
	// Idle means the dispatcher is waiting and a wake pulse starts a cycle
	Idle WakeState = iota
	// Running means a cycle is in progress
	Running
	// PendingRequest means a pulse arrived that the dispatcher has not
	// consumed yet
	PendingRequest
)

func (s WakeState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case PendingRequest:
		return "pending"
	}
	return "unknown"
}

// Waker tells the dispatcher that new work may exist. Pulses are idempotent
// and coalesce: any number of Wake calls before the dispatcher looks again
// result in one extra cycle.
type Waker struct {
	mu    sync.Mutex
	state WakeState
	ch    chan struct{}
}

// NewWaker creates a waker in the Idle state
func NewWaker() *Waker {
	return &Waker{
		state: Idle,
		ch:    make(chan struct{}, 1),
	}
}

// Wake records a request for another dispatch cycle
func (w *Waker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case Idle:
		w.state = PendingRequest
		select {
		case w.ch <- struct{}{}:
		default:
		}
	case Running:
		w.state = PendingRequest
	case PendingRequest:
	}
}

// State returns the current state
func (w *Waker) State() WakeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// C is signalled when a pulse arrives while the dispatcher is idle
func (w *Waker) C() <-chan struct{} {
	return w.ch
}

// begin marks the start of a cycle and consumes any pending pulse
func (w *Waker) begin() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = Running
	select {
	case <-w.ch:
	default:
	}
}

// finish ends a cycle. It reports true when a pulse arrived during the cycle,
// in which case the dispatcher stays Running and must start another cycle.
func (w *Waker) finish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == PendingRequest {
		w.state = Running
		return true
	}
	w.state = Idle
	return false
}
