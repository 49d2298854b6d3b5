package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPublishAndDrain(t *testing.T) {
	b := NewInProcess(log.NewNopLogger())
	defer b.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, ProcessEvent{
			EventData: map[string]interface{}{"event_id": "ev"},
			ProjectID: "p1",
		}))
	}

	var got []Message
	n := b.Drain(QueueProcessEvent, func(_ context.Context, msg Message) error {
		got = append(got, msg)
		return nil
	})
	require.Equal(t, 3, n)
	require.Len(t, got, 3)

	// queues are isolated
	require.Zero(t, b.Drain(QueueExecuteQuery, func(context.Context, Message) error { return nil }))
}

func TestSubscribeDelivers(t *testing.T) {
	b := NewInProcess(log.NewNopLogger())
	defer b.Stop()

	var count atomic.Int64
	done := make(chan struct{})
	b.Subscribe(QueueExecuteQuery, 2, func(_ context.Context, _ Message) error {
		if count.Add(1) == 5 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), ExecuteQuery{QueryID: "q"}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered")
	}
}

func TestDeliveryRetries(t *testing.T) {
	b := NewInProcess(log.NewNopLogger())
	defer b.Stop()

	require.NoError(t, b.Publish(context.Background(), ExecuteQuery{QueryID: "q1"}))

	attempts := 0
	b.Drain(QueueExecuteQuery, func(context.Context, Message) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.Equal(t, 2, attempts)
}

func TestDeliveryDropsAfterAttemptsExhausted(t *testing.T) {
	b := NewInProcess(log.NewNopLogger())
	defer b.Stop()

	require.NoError(t, b.Publish(context.Background(), ExecuteQuery{QueryID: "q1"}))

	attempts := 0
	b.Drain(QueueExecuteQuery, func(context.Context, Message) error {
		attempts++
		return errors.New("permanent")
	})
	require.Equal(t, deliveryAttempts, attempts)

	// message is gone, not requeued
	require.Zero(t, b.Drain(QueueExecuteQuery, func(context.Context, Message) error { return nil }))
}

func TestPublishAfterStop(t *testing.T) {
	b := NewInProcess(log.NewNopLogger())
	b.Stop()
	err := b.Publish(context.Background(), ExecuteQuery{QueryID: "q"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestStopWaitsForWorkers(t *testing.T) {
	b := NewInProcess(log.NewNopLogger())

	var mu sync.Mutex
	handled := 0
	b.Subscribe(QueueProcessEvent, 1, func(context.Context, Message) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), ProcessEvent{EventData: map[string]interface{}{"event_id": "e"}}))
	time.Sleep(50 * time.Millisecond)
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, handled)
}

func TestIdempotencyKeys(t *testing.T) {
	require.Equal(t, "ev-1", ProcessEvent{EventData: map[string]interface{}{"event_id": "ev-1"}}.IdempotencyKey())
	require.Equal(t, "", ProcessEvent{EventData: map[string]interface{}{}}.IdempotencyKey())
	require.Equal(t, "q1", ExecuteQuery{QueryID: "q1"}.IdempotencyKey())
	require.Equal(t, "q1/device", ComputeFacetBatch{QueryID: "q1", BatchID: "device"}.IdempotencyKey())
}
