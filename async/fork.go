// Package async runs coarse-grained fork/join work: a fixed set of fresh goroutines per
// phase, joined before the next phase starts. There is no persistent pool.
package async

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how often Fork reports progress while workers run
const DefaultPollInterval = 100 * time.Millisecond

// Clamp bounds a requested worker count to [1, runtime.NumCPU()]
func Clamp(n int) int {
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Status is passed to the poll callback while a fork is running
type Status struct {
	Workers int
	Done    int
	Elapsed time.Duration
}

// Fork runs work(0..n-1) on n fresh goroutines and returns once all of them have
// finished, with the first error any worker returned. Each worker raises its own done
// flag on exit; while any is still running the caller's goroutine wakes every interval
// and hands the flag count to poll. A non-positive interval disables polling.
func Fork(n int, interval time.Duration, poll func(Status), work func(worker int) error) error {
	if n < 1 {
		n = 1
	}
	flags := make([]atomic.Bool, n)

	var g errgroup.Group
	for w := 0; w < n; w++ {
		w := w
		g.Go(func() error {
			defer flags[w].Store(true)
			return work(w)
		})
	}

	joined := make(chan error, 1)
	go func() { joined <- g.Wait() }()

	if interval <= 0 || poll == nil {
		return <-joined
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-joined:
			return err
		case <-ticker.C:
			done := 0
			for i := range flags {
				if flags[i].Load() {
					done++
				}
			}
			poll(Status{Workers: n, Done: done, Elapsed: time.Since(start)})
		}
	}
}
