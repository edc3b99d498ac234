package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func pulses(w *Waker) int {
	n := 0
	for {
		select {
		case <-w.C():
			n++
		default:
			return n
		}
	}
}

func TestWakerCoalescesPulsesWhileIdle(t *testing.T) {
	w := NewWaker()
	assert.Equal(t, Idle, w.State())

	w.Wake()
	w.Wake()
	w.Wake()

	assert.Equal(t, PendingRequest, w.State())
	assert.Equal(t, 1, pulses(w))
}

func TestWakerRequestDuringCycle(t *testing.T) {
	w := NewWaker()

	w.begin()
	assert.Equal(t, Running, w.State())

	w.Wake()
	w.Wake()
	assert.Equal(t, PendingRequest, w.State())
	assert.Equal(t, 0, pulses(w), "a running dispatcher is not signalled")

	assert.True(t, w.finish(), "the pending request asks for another cycle")
	assert.Equal(t, Running, w.State())

	assert.False(t, w.finish())
	assert.Equal(t, Idle, w.State())
}

func TestWakerBeginConsumesPendingPulse(t *testing.T) {
	w := NewWaker()

	w.Wake()
	w.begin()
	assert.Equal(t, 0, pulses(w))
	assert.False(t, w.finish())

	w.Wake()
	assert.Equal(t, 1, pulses(w))
}

func TestWakeStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "pending", PendingRequest.String())
	assert.Equal(t, "unknown", WakeState(42).String())
}
