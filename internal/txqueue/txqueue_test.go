package txqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEnqueuePreservesFIFOOrder(t *testing.T) {
	q := New(8, zap.NewNop())
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), "task", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Serialize submission so goroutine scheduling doesn't race the
		// channel send order; the property under test is execution order,
		// not submission-goroutine fairness.
		wg.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 completed tasks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("execution order broken at index %d: got %d, want %d (full order: %v)", i, v, i, order)
		}
	}
}

func TestFailureDoesNotDesynchronizeQueueHead(t *testing.T) {
	q := New(8, zap.NewNop())
	defer q.Close()

	err1 := q.Enqueue(context.Background(), "fails", func(ctx context.Context) error {
		return errors.New("boom")
	})
	if err1 == nil {
		t.Fatal("expected the first task to fail")
	}

	ran := false
	err2 := q.Enqueue(context.Background(), "succeeds", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err2 != nil {
		t.Fatalf("expected the second task to succeed, got %v", err2)
	}
	if !ran {
		t.Fatal("expected the second task to actually run")
	}

	stats := q.Stats()
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("expected 1 completed and 1 failed, got %+v", stats)
	}
}

func TestStatsTracksPendingWhileRunning(t *testing.T) {
	q := New(8, zap.NewNop())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- q.Enqueue(context.Background(), "slow", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	if q.Stats().Pending != 1 {
		t.Fatalf("expected 1 pending task while running, got %+v", q.Stats())
	}
	close(release)
	if err := <-doneCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Stats().Pending != 0 {
		t.Fatalf("expected 0 pending after completion, got %+v", q.Stats())
	}
}
