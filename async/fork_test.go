package async

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestForkRunsEveryWorker(t *testing.T) {
	var seen [8]atomic.Bool
	err := Fork(8, 0, nil, func(w int) error {
		seen[w].Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range seen {
		if !seen[i].Load() {
			t.Errorf("worker %d never ran", i)
		}
	}
}

func TestForkReturnsWorkerError(t *testing.T) {
	boom := errors.New("boom")
	var finished atomic.Int32
	err := Fork(4, 0, nil, func(w int) error {
		defer finished.Add(1)
		if w == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if finished.Load() != 4 {
		t.Errorf("expected every worker joined before return, got %d", finished.Load())
	}
}

func TestForkPollsWhileRunning(t *testing.T) {
	var polls atomic.Int32
	var last Status
	err := Fork(2, 5*time.Millisecond, func(s Status) {
		polls.Add(1)
		last = s
	}, func(w int) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if polls.Load() == 0 {
		t.Fatal("expected at least one poll while workers slept")
	}
	if last.Workers != 2 || last.Done > 2 {
		t.Errorf("unexpected status %+v", last)
	}
}

func TestClamp(t *testing.T) {
	if Clamp(0) != 1 {
		t.Errorf("expected 1 for zero request, got %d", Clamp(0))
	}
	if Clamp(-3) != 1 {
		t.Errorf("expected 1 for negative request, got %d", Clamp(-3))
	}
	if got := Clamp(1 << 20); got != runtime.NumCPU() {
		t.Errorf("expected %d, got %d", runtime.NumCPU(), got)
	}
}
