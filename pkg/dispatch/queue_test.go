package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsTask(t *testing.T) {
	q := New()
	defer q.Close()

	ran := false
	err := q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
		ran = true
		return nil
	}, nil)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestQueue_PropagatesTaskError(t *testing.T) {
	q := New()
	defer q.Close()

	wantErr := errors.New("query failed")
	err := q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
		return wantErr
	}, nil)
	assert.ErrorIs(t, err, wantErr)
}

func TestQueue_SerializesWithinLane(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var order []int
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		}, nil)
	}()

	<-started
	for i := 2; i <= 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Stagger so queue order matches n
			time.Sleep(time.Duration(n*20) * time.Millisecond)
			_ = q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			}, nil)
		}(i)
	}

	time.Sleep(150 * time.Millisecond)
	assert.True(t, q.Running("tg_1_main"))
	assert.Equal(t, 3, q.QueueSize("tg_1_main"))

	close(release)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.False(t, q.Running("tg_1_main"))
	assert.Equal(t, 0, q.QueueSize("tg_1_main"))
}

func TestQueue_LanesRunIndependently(t *testing.T) {
	q := New()
	defer q.Close()

	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
			close(blockerStarted)
			<-release
			return nil
		}, nil)
	}()
	<-blockerStarted

	done := make(chan struct{})
	go func() {
		_ = q.Enqueue(context.Background(), "tg_2_main", func(ctx context.Context) error {
			return nil
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second lane blocked behind first")
	}
	close(release)
}

func TestQueue_ResetLaneRejectsQueued(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		queuedErr <- q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
			return nil
		}, nil)
	}()

	// Let the second task land in the queue
	require.Eventually(t, func() bool {
		return q.QueueSize("tg_1_main") == 1
	}, time.Second, 10*time.Millisecond)

	cleared := q.ResetLane("tg_1_main")
	assert.Equal(t, 1, cleared)

	err := <-queuedErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session reset")

	close(release)
}

func TestQueue_ResetUnknownLane(t *testing.T) {
	q := New()
	defer q.Close()
	assert.Equal(t, 0, q.ResetLane("tg_99_main"))
}

func TestQueue_OnWaitFires(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	waited := make(chan int64, 1)
	go func() {
		_ = q.Enqueue(context.Background(), "tg_1_main", func(ctx context.Context) error {
			return nil
		}, &TaskOptions{
			WarnAfterMs: 20,
			OnWait: func(waitMs int64, queuePos int) {
				waited <- waitMs
			},
		})
	}()

	select {
	case waitMs := <-waited:
		assert.GreaterOrEqual(t, waitMs, int64(20))
	case <-time.After(2 * time.Second):
		t.Fatal("OnWait never fired")
	}
	close(release)
}

func TestQueue_WaitForIdle(t *testing.T) {
	q := New()
	defer q.Close()

	for i := 0; i < 3; i++ {
		lane := fmt.Sprintf("tg_%d_main", i)
		go func() {
			_ = q.Enqueue(context.Background(), lane, func(ctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			}, nil)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	assert.True(t, q.WaitForIdle(2*time.Second))
}
