// Package dispatch serializes query work per conversation. One lane
// per conversation key runs tasks strictly in order; interrupts never
// go through a lane so a stop can always be delivered promptly.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Task is one unit of serialized work for a conversation
type Task func(ctx context.Context) error

// TaskOptions configures a queued task
type TaskOptions struct {
	// WarnAfterMs fires OnWait if the task is still queued after this
	// many milliseconds.
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	done       chan error
}

type laneState struct {
	generation int
	queue      []*taskRecord
	running    bool
	mu         sync.Mutex
}

// Queue serializes tasks per conversation lane
type Queue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty dispatch queue; lanes appear on first use
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *Queue) ensureLane(lane string) *laneState {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if exists {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, exists = q.lanes[lane]; exists {
		return ls
	}
	ls = &laneState{}
	q.lanes[lane] = ls
	log.Debug().Str("lane", lane).Msg("Dispatch lane initialized")
	return ls
}

// Enqueue queues a task on a conversation lane and blocks until it
// finishes. Tasks queued before a ResetLane are rejected as stale.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.dispatch",
		"dispatch.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", lane).Logger()

	ls := q.ensureLane(lane)

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		done:       make(chan error, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("task_id", taskID).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.SetDispatchDepth(lane, queueSize)

	if opts.WarnAfterMs > 0 {
		go q.startWarnTimer(ls, record, lane)
	}

	go q.processLane(lane, ls)

	err := <-record.done
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// processLane starts the next queued task if the lane is idle
func (q *Queue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for !ls.running && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.done <- fmt.Errorf("task cancelled by session reset")
			close(record.done)
			observability.RecordDispatchTask("stale")
			continue
		}

		ls.running = true
		q.wg.Add(1)
		go q.executeTask(lane, ls, record)
	}

	observability.SetDispatchDepth(lane, len(ls.queue))
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	taskCtx := record.ctx
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	taskCtx, span := tracing.StartSpan(
		taskCtx,
		"rudder.dispatch",
		"dispatch.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("session_key", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running = false
	ls.mu.Unlock()

	record.done <- err
	close(record.done)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
		observability.RecordDispatchTask("failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
		observability.RecordDispatchTask("completed")
	}

	go q.processLane(lane, ls)
}

func (q *Queue) startWarnTimer(ls *laneState, record *taskRecord, lane string) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Int64("wait_ms", waitMs).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-q.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks for a lane
func (q *Queue) QueueSize(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running reports whether a lane is currently executing a task
func (q *Queue) Running(lane string) bool {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ResetLane bumps a lane's generation and rejects everything queued.
// Tasks enqueued before the reset that have not started yet will be
// rejected as stale even if they race past the queue drain.
func (q *Queue) ResetLane(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.done <- fmt.Errorf("task cancelled by session reset")
		close(record.done)
		observability.RecordDispatchTask("cleared")
	}
	ls.queue = nil

	log.Info().Str("lane", lane).Int("generation", ls.generation).Int("cleared", count).Msg("Lane reset")
	observability.SetDispatchDepth(lane, 0)
	return count
}

// WaitForIdle waits for all lanes to finish their running tasks
func (q *Queue) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if ls.running || len(ls.queue) > 0 {
				idle = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for dispatch lanes")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running task contexts and waits for them to return
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
