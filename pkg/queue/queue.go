// Package queue serializes commands per session. Each session key owns a
// lane that runs one task at a time, so a conversation context never has two
// writers; distinct sessions run concurrently.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
)

// Task is one unit of serialized work for a session.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState is the per-session execution state. Lanes never run more than
// one task; that is the serialization invariant.
type laneState struct {
	generation int
	queue      []*taskRecord
	running    bool
	mu         sync.Mutex
}

// Queue is the lane table.
type Queue struct {
	lanes  map[string]*laneState
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty queue. Lanes appear on first enqueue.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue schedules a task on the session's lane and blocks until it
// finishes. Tasks queued behind a ResetLane call fail with a stale
// generation error instead of running.
func (q *Queue) Enqueue(ctx context.Context, sessionKey string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"drover.queue",
		"queue.enqueue",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, sessionKey)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	ls := q.lane(sessionKey)

	record := &taskRecord{
		id:         sessionKey + "-" + gonanoid.Must(8),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("session_key", sessionKey).
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(sessionKey, queueSize)

	go q.processLane(sessionKey)

	result := <-record.result
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

func (q *Queue) lane(sessionKey string) *laneState {
	q.mu.RLock()
	ls, exists := q.lanes[sessionKey]
	q.mu.RUnlock()
	if exists {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, exists = q.lanes[sessionKey]; !exists {
		ls = &laneState{}
		q.lanes[sessionKey] = ls
		log.Debug().Str("session_key", sessionKey).Msg("Lane initialized")
	}
	return ls
}

func (q *Queue) processLane(sessionKey string) {
	ls := q.lane(sessionKey)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for !ls.running && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled by lane reset")}
			close(record.result)
			continue
		}

		ls.running = true
		q.wg.Add(1)
		go q.executeTask(sessionKey, ls, record)
	}
}

func (q *Queue) executeTask(sessionKey string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"drover.queue",
		"queue.execute_task",
		attribute.String("session_key", sessionKey),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running = false
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("session_key", sessionKey).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("session_key", sessionKey).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(sessionKey, duration, err == nil, queueSize)

	go q.processLane(sessionKey)
}

// QueueSize returns the number of queued tasks for a session.
func (q *Queue) QueueSize(sessionKey string) int {
	q.mu.RLock()
	ls, exists := q.lanes[sessionKey]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running reports whether a session's lane is executing a task.
func (q *Queue) Running(sessionKey string) bool {
	q.mu.RLock()
	ls, exists := q.lanes[sessionKey]
	q.mu.RUnlock()
	if !exists {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ResetLane bumps the session's generation and rejects everything queued.
// The running task, if any, finishes; it already holds the context.
func (q *Queue) ResetLane(sessionKey string) {
	q.mu.RLock()
	ls, exists := q.lanes[sessionKey]
	q.mu.RUnlock()
	if !exists {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("task cancelled by lane reset")}
		close(record.result)
	}
	ls.queue = nil

	log.Info().Str("session_key", sessionKey).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetQueueSize(sessionKey, 0)
}

// WaitForActive polls until every lane drains or the timeout passes.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if ls.running || len(ls.queue) > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
