package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, ttl time.Duration) *Ledger {
	t.Helper()

	l, err := NewLedger(Config{InMemory: true, TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, l.Shutdown(context.Background()))
	})
	return l
}

func TestLedgerMarksDeliveries(t *testing.T) {
	l := newTestLedger(t, time.Hour)
	ctx := context.Background()

	delivered, err := l.Delivered(ctx, "n1/u1/email")
	require.NoError(t, err)
	assert.False(t, delivered)

	require.NoError(t, l.MarkDelivered(ctx, "n1/u1/email"))

	delivered, err = l.Delivered(ctx, "n1/u1/email")
	require.NoError(t, err)
	assert.True(t, delivered)

	delivered, err = l.Delivered(ctx, "n1/u1/push")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestLedgerForgetsAfterTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a ledger entry to expire")
	}
	l := newTestLedger(t, time.Second)
	ctx := context.Background()

	require.NoError(t, l.MarkDelivered(ctx, "n1/u1/email"))
	time.Sleep(2100 * time.Millisecond)

	delivered, err := l.Delivered(ctx, "n1/u1/email")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestLedgerOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := NewLedger(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, l.MarkDelivered(ctx, "n1/u1/push/s1"))
	require.NoError(t, l.Shutdown(ctx))

	l, err = NewLedger(Config{DataDir: dir})
	require.NoError(t, err)
	defer l.Shutdown(ctx)

	delivered, err := l.Delivered(ctx, "n1/u1/push/s1")
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestLedgerStartStopsOnCancel(t *testing.T) {
	l := newTestLedger(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
