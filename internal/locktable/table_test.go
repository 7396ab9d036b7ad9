package locktable_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basket/plat/internal/locktable"
)

type interval struct {
	start, end time.Time
}

func TestAcquire_SameIDNeverOverlaps(t *testing.T) {
	table := locktable.New()
	var (
		mu        sync.Mutex
		intervals []interval
		wg        sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.Acquire(context.Background(), "doc-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			start := time.Now()
			time.Sleep(5 * time.Millisecond)
			end := time.Now()
			release()
			mu.Lock()
			intervals = append(intervals, interval{start, end})
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start.Before(intervals[j].start) })
	for i := 1; i < len(intervals); i++ {
		if intervals[i].start.Before(intervals[i-1].end) {
			t.Fatalf("intervals %d and %d overlap: %+v %+v", i-1, i, intervals[i-1], intervals[i])
		}
	}
	if n := table.Len(); n != 0 {
		t.Fatalf("expected table to be empty after all releases, got %d", n)
	}
}

func TestAcquire_DifferentIDsDoNotBlock(t *testing.T) {
	table := locktable.New()
	releaseA, err := table.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := table.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("acquire b while a held: %v", err)
	}
	releaseB()
	if !table.Held("a") || table.Held("b") {
		t.Fatalf("unexpected holder state: a=%v b=%v", table.Held("a"), table.Held("b"))
	}
}

func TestAcquire_ContextCancelWhileWaiting(t *testing.T) {
	table := locktable.New()
	release, err := table.Acquire(context.Background(), "x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := table.Acquire(ctx, "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release() // idempotent
	if table.Len() != 0 {
		t.Fatalf("expected id removed once the holder released")
	}
}

func TestRelease_KeepsEntryWhileWaiterPending(t *testing.T) {
	table := locktable.New()
	release, _ := table.Acquire(context.Background(), "k")

	acquired := make(chan func())
	go func() {
		r, err := table.Acquire(context.Background(), "k")
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			close(acquired)
			return
		}
		acquired <- r
	}()

	if _, ok := table.TryAcquire("k"); ok {
		t.Fatalf("TryAcquire must fail while held")
	}
	time.Sleep(10 * time.Millisecond)
	release()

	select {
	case r := <-acquired:
		if r == nil {
			t.Fatalf("waiter failed")
		}
		if !table.Held("k") {
			t.Fatalf("expected waiter to hold k")
		}
		r()
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never acquired the lock")
	}
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}
