// Command demo walks through the poll/drag race on an in-process backend.
//
//	go run ./cmd/demo
//
// Steps:
//  1. mount a board against the built-in fixture
//  2. start a slow fetch, then move a card while that fetch is in flight
//  3. the stale response arrives and is merged without reverting the move
//  4. the server confirms the write; the next poll agrees
//  5. a write the server refuses is rolled back
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/board"
	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/server"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// slowBackend adapts a server.Table to the board's fetch/persist interfaces,
// with a switchable fetch delay and write refusal.
type slowBackend struct {
	table *server.Table

	mu     sync.Mutex
	delay  time.Duration
	refuse bool
}

func (s *slowBackend) FetchRequests(ctx context.Context) ([]types.MaintenanceRequest, error) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()

	// the listing is taken when the request "reaches" the server, before the delay
	reqs, err := s.table.ListRequests(ctx)
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(delay):
		return reqs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowBackend) PersistStatus(ctx context.Context, id types.RequestID, status types.Status) error {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		return fmt.Errorf("%w: locked by another technician", boarderr.ErrPersistenceRejected)
	}
	return s.table.UpdateStatus(ctx, id, status)
}

func (s *slowBackend) set(delay time.Duration, refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay, s.refuse = delay, refuse
}

func main() {
	ctx := context.Background()

	table, err := server.NewTable(server.MockRequests(time.Now()), true)
	if err != nil {
		log.Fatalf("Failed to build fixture: %v", err)
	}
	backend := &slowBackend{table: table}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	b, err := board.New(board.Config{
		PollInterval:   time.Hour,
		FetchTimeout:   5 * time.Second,
		WorkerCount:    1,
		PersistTimeout: 5 * time.Second,
	}, board.Deps{Fetcher: backend, Persister: backend, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create board: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		log.Fatalf("Failed to mount board: %v", err)
	}
	defer b.Stop()

	show := func(step string) {
		fmt.Printf("\n== %s\n", step)
		for _, col := range b.Columns() {
			fmt.Printf("  %-13s", col.Title)
			for _, r := range col.Requests {
				marker := ""
				if _, ok := b.Store().PendingFor(r.ID); ok {
					marker = "*"
				}
				fmt.Printf(" #%d%s", r.ID, marker)
			}
			fmt.Println()
		}
	}
	show("mounted")

	// 2. slow fetch in flight while the card moves
	backend.set(300*time.Millisecond, false)
	fetched := make(chan error, 1)
	go func() {
		_, err := b.Refresh(ctx)
		fetched <- err
	}()
	time.Sleep(50 * time.Millisecond)

	m, err := b.Move(1, types.StatusInProgress)
	if err != nil {
		log.Fatalf("Move failed: %v", err)
	}
	show("moved #1 to In Progress (optimistic)")

	// 3. stale response
	if err := <-fetched; err != nil {
		log.Fatalf("Refresh failed: %v", err)
	}
	show("stale response merged, #1 stays put")

	// 4. confirmation
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if resolved, err := b.Await(waitCtx, m); err == nil {
		fmt.Printf("\nmutation %s: %s\n", resolved.ID[:8], resolved.State)
	}
	backend.set(0, false)
	if _, err := b.Refresh(ctx); err != nil {
		log.Fatalf("Refresh failed: %v", err)
	}
	show("fresh poll agrees with the server")

	// 5. refused write
	backend.set(0, true)
	m, err = b.Move(2, types.StatusScrap)
	if err != nil {
		log.Fatalf("Move failed: %v", err)
	}
	resolved, err := b.Await(waitCtx, m)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("Await failed: %v", err)
	}
	fmt.Printf("\nmutation %s: %s\n", resolved.ID[:8], resolved.State)
	show("refused move rolled back")

	fmt.Printf("\nstatus: %v\n", b.Status())
}
