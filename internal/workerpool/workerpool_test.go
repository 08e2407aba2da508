package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubmitReturnsValue(t *testing.T) {
	p := New(2)
	defer p.Close()

	got, err := Submit(context.Background(), p, func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(2)
	defer p.Close()

	boom := errors.New("boom")
	_, err := Submit(context.Background(), p, func() (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestSubmitRunsConcurrentlyAcrossWorkers(t *testing.T) {
	p := New(4)
	defer p.Close()

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Submit(context.Background(), p, func() (int, error) {
				return i * i, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = v
		}()
	}
	wg.Wait()
	for i, v := range results {
		if v != i*i {
			t.Errorf("results[%d] = %d, want %d", i, v, i*i)
		}
	}
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	p := New(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Submit(ctx, p, func() (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
