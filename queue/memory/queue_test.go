package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/ratiotracker/queue"
)

func TestQueueRunsTasks(t *testing.T) {
	done := make(chan queue.Task, 2)
	d := queue.NewDispatcher()
	d.Handle(queue.RecomputeSwarm, func(_ context.Context, task queue.Task) error {
		done <- task
		return nil
	})

	q := New(Config{Workers: 2, BufferSize: 4}, d)
	defer func() { <-q.Stop() }()

	task := queue.Task{Name: queue.RecomputeSwarm, TorrentID: "t1"}
	require.NoError(t, q.Enqueue(context.Background(), task))

	select {
	case got := <-done:
		require.Equal(t, task, got)
	case <-time.After(time.Second):
		t.Fatal("task was not executed")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := queue.NewDispatcher()
	d.Handle(queue.RecomputeSwarm, func(_ context.Context, _ queue.Task) error {
		started <- struct{}{}
		<-release
		return nil
	})

	q := New(Config{Workers: 1, BufferSize: 1}, d)

	task := queue.Task{Name: queue.RecomputeSwarm, TorrentID: "t1"}
	require.NoError(t, q.Enqueue(context.Background(), task))
	<-started

	// The worker is busy: one task fits in the buffer, the next is dropped.
	require.NoError(t, q.Enqueue(context.Background(), task))
	require.Equal(t, queue.ErrQueueFull, q.Enqueue(context.Background(), task))

	close(release)
	<-q.Stop()
	require.Equal(t, queue.ErrQueueClosed, q.Enqueue(context.Background(), task))
}

func TestStopRunsBufferedTasks(t *testing.T) {
	release := make(chan struct{})
	var ran int32
	d := queue.NewDispatcher()
	d.Handle(queue.RecomputeSwarm, func(_ context.Context, _ queue.Task) error {
		<-release
		atomic.AddInt32(&ran, 1)
		return nil
	})

	q := New(Config{Workers: 1, BufferSize: 4}, d)
	task := queue.Task{Name: queue.RecomputeSwarm, TorrentID: "t1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), task))
	}

	stopped := q.Stop()
	close(release)
	<-stopped
	require.Equal(t, int32(3), atomic.LoadInt32(&ran))
}
