// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package httpq

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/transfers/errors"
)

// A Runner drains a queue with a fixed pool of worker goroutines.
// Workers observe the runner's stop flag between queries: closing the
// runner prevents new HTTP requests from being issued, but requests
// already on the wire are allowed to finish.
type Runner struct {
	queue *Queue

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	start      time.Time
	lastUpdate time.Time
	traffic    int64
}

// NewRunner starts threads workers draining queue. It fails with kind
// errors.OutOfRange when threads is not positive.
func NewRunner(queue *Queue, threads int) (*Runner, error) {
	if threads <= 0 {
		return nil, errors.E("httpq.newrunner", errors.OutOfRange,
			errors.New("thread count must be positive"))
	}
	now := time.Now()
	r := &Runner{
		queue:      queue,
		stop:       make(chan struct{}),
		start:      now,
		lastUpdate: now,
	}
	r.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go r.worker()
	}
	return r, nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		traffic, ok := r.queue.ExecuteOne(ctx)
		if !ok {
			// Either a failure, or no more pending queries.
			return
		}
		r.mu.Lock()
		r.traffic += traffic
		r.lastUpdate = time.Now()
		r.mu.Unlock()
	}
}

// Speed estimates the transfer rate in kilobytes per second over the
// runner's lifetime so far. Rates over windows shorter than 10 ms are
// reported as zero to avoid meaningless figures on very quick
// transfers.
func (r *Runner) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := float64(r.lastUpdate.Sub(r.start)) / float64(time.Millisecond)
	if ms < 10 {
		return 0
	}
	return float64(r.traffic) * 1000 / (1024 * ms)
}

// Close stops the runner and joins its workers. Queries already
// dispatched complete (including their retry pauses); no new query is
// started. Close is idempotent.
func (r *Runner) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
