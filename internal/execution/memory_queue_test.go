package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueueCloseReleasesBlockedPublish(t *testing.T) {
	queue := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, queue.Publish(ctx, "exec_swap_1"))
	require.Equal(t, 1, queue.Pending())

	published := make(chan error, 1)
	go func() { published <- queue.Publish(ctx, "exec_swap_2") }()

	select {
	case err := <-published:
		t.Fatalf("publish on a full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	closed := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked behind a waiting publisher")
	}
	select {
	case err := <-published:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked publish was not released by close")
	}

	require.ErrorIs(t, queue.Publish(ctx, "exec_swap_3"), ErrQueueClosed)
	require.NoError(t, queue.Close())
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	require.NoError(t, queue.Publish(context.Background(), "exec_a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := queue.Publish(ctx, "exec_b")
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestMemoryQueueConsumeStopsOnClose(t *testing.T) {
	queue := NewMemoryQueue(4)
	handled := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(context.Background(), 2, func(_ context.Context, id string) error {
			handled <- id
			return nil
		})
	}()

	require.NoError(t, queue.Publish(context.Background(), "exec_lend_1"))
	select {
	case id := <-handled:
		require.Equal(t, "exec_lend_1", id)
	case <-time.After(time.Second):
		t.Fatal("execution id was not delivered")
	}

	require.NoError(t, queue.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not return after close")
	}
}
