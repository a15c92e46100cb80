// ============================================================================
// GearGuard Worker - Status Persistence Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Sends one optimistic mutation at a time to the server
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive a task from taskCh (or exit on stopCh)
//   2. Call StatusPersister.PersistStatus with a per-task timeout
//   3. Send the result to resultCh (blocking, unless the pool is stopping)
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select taskCh / stopCh       │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ PersistStatus(...)      │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Timeout: ctx.Err() is returned by the persister (DeadlineExceeded)
//   - Rejection: whatever the persister returns, usually wrapping
//     boarderr.ErrPersistenceRejected
//   - Panics in the persister are recovered and reported as errors so a
//     single bad call cannot take down the pool
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Worker represents a persistence execution unit
type Worker struct {
	id        int
	persister StatusPersister
	taskCh    <-chan Task
	resultCh  chan<- Result
	stopCh    <-chan struct{}
	log       *zap.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, persister StatusPersister, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, log *zap.Logger) *Worker {
	return &Worker{
		id:        id,
		persister: persister,
		taskCh:    taskCh,
		resultCh:  resultCh,
		stopCh:    stopCh,
		log:       log,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				w.log.Warn("dropping persistence result, pool stopping",
					zap.Int("worker", w.id),
					zap.String("mutation_id", result.Mutation.ID))
				return
			}
		}
	}
}

// execute persists a single mutation
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.Mutation = task.Mutation

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("persister panic: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	result.Err = w.persister.PersistStatus(ctx, task.Mutation.RequestID, task.Mutation.ProposedStatus)
	return result
}
