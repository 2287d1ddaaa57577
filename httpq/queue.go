// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package httpq implements the parallel HTTP work queue of the
// transfers accelerator: a FIFO queue of typed requests executed by a
// fixed-size pool of workers with per-request retry. The queue fails
// as a whole once any request exhausts its retry budget; requests
// already dispatched are allowed to finish.
package httpq

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

// A Query is one HTTP request owned by a queue. ReadBody is consulted
// only for PUT and POST queries; HandleAnswer only for GET and POST.
type Query interface {
	// Method returns the HTTP method, one of GET, POST, PUT, DELETE.
	Method() string
	// Peer returns the symbolic name of the peer to address.
	Peer() string
	// URI returns the path (and query string) of the request.
	URI() string
	// ReadBody produces the request body for PUT and POST queries.
	ReadBody() ([]byte, error)
	// HandleAnswer consumes the response body of GET and POST
	// queries. A non-nil error fails the whole queue: answers are
	// validated payloads, and a bad one is not cured by resending.
	HandleAnswer(body []byte) error
}

// A Doer issues a single HTTP request to a named peer. It is
// implemented by peer.Directory.
type Doer interface {
	Do(ctx context.Context, method, peer, uri string, body []byte) ([]byte, error)
}

// Status describes the queue's progress.
type Status int

const (
	// Running indicates that queries remain to be executed.
	Running Status = iota
	// Success indicates that every query succeeded.
	Success
	// Failure indicates that some query exhausted its retry budget.
	Failure
)

// String returns a human-readable queue status.
func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Success:
		return "success"
	default:
		return "failure"
	}
}

// A Queue owns an ordered set of queries and executes them at most
// once each (with internal retries), tracking transfer statistics.
// Queries are dispatched in FIFO order by concurrent callers of
// ExecuteOne, typically the workers of a Runner.
type Queue struct {
	doer Doer
	log  *log.Logger

	mu         sync.Mutex
	queries    []Query
	pos        int
	succeeded  int
	downloaded int64
	uploaded   int64
	failed     bool
	maxRetries int
	completec  chan struct{}
}

// NewQueue returns an empty queue whose queries are issued through
// doer.
func NewQueue(doer Doer, log *log.Logger) *Queue {
	return &Queue{doer: doer, log: log, completec: make(chan struct{})}
}

// SetMaxRetries sets the per-query retry budget. A query is attempted
// at most 1+maxRetries times.
func (q *Queue) SetMaxRetries(maxRetries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxRetries = maxRetries
}

// MaxRetries returns the per-query retry budget.
func (q *Queue) MaxRetries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxRetries
}

// Enqueue appends a query to the queue. The queue takes ownership of
// the query.
func (q *Queue) Enqueue(query Query) error {
	if query == nil {
		return errors.E("httpq.enqueue", errors.Precondition, errors.New("nil query"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, query)
	return nil
}

// Reset rewinds the dispatch cursor and clears all counters so that
// the queue's queries may be executed anew.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pos = 0
	q.succeeded = 0
	q.downloaded = 0
	q.uploaded = 0
	q.failed = false
	q.completec = make(chan struct{})
}

// statusLocked must be called with the queue's mutex held.
func (q *Queue) statusLocked() Status {
	switch {
	case q.succeeded == len(q.queries):
		return Success
	case q.failed:
		return Failure
	default:
		return Running
	}
}

// Status returns the queue's current status.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

// Stats returns the number of scheduled and succeeded queries and the
// number of bytes downloaded and uploaded so far.
func (q *Queue) Stats() (scheduled, succeeded int, downloaded, uploaded int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queries), q.succeeded, q.downloaded, q.uploaded
}

// ExecuteOne takes the query at the dispatch cursor and executes it,
// retrying failed attempts after a one-second pause up to the queue's
// retry budget. It returns the network traffic incurred and whether a
// query was executed: false means the queue is exhausted or failed,
// and the calling worker should exit.
func (q *Queue) ExecuteOne(ctx context.Context) (int64, bool) {
	q.mu.Lock()
	if q.failed || q.pos == len(q.queries) {
		q.mu.Unlock()
		return 0, false
	}
	query := q.queries[q.pos]
	q.pos++
	maxRetries := q.maxRetries
	q.mu.Unlock()

	var (
		body []byte
		err  error
	)
	if query.Method() == "PUT" || query.Method() == "POST" {
		if body, err = query.ReadBody(); err != nil {
			// A local read failure is not cured by resending.
			q.log.Errorf("httpq: %s %s: reading body: %v", query.Method(), query.URI(), err)
			q.fail()
			return 0, false
		}
	}

	policy := retry.MaxTries(retry.Backoff(time.Second, time.Second, 1), maxRetries+1)
	for retries := 0; ; retries++ {
		answer, err := q.doer.Do(ctx, query.Method(), query.Peer(), query.URI(), body)
		if err == nil {
			var traffic int64
			if query.Method() == "GET" || query.Method() == "POST" {
				if err := query.HandleAnswer(answer); err != nil {
					q.log.Errorf("httpq: %s %s: handling answer: %v", query.Method(), query.URI(), err)
					q.fail()
					return 0, false
				}
				traffic += int64(len(answer))
			}
			if query.Method() == "PUT" || query.Method() == "POST" {
				traffic += int64(len(body))
			}
			q.mu.Lock()
			if query.Method() == "GET" || query.Method() == "POST" {
				q.downloaded += int64(len(answer))
			}
			if query.Method() == "PUT" || query.Method() == "POST" {
				q.uploaded += int64(len(body))
			}
			q.succeeded++
			if q.succeeded == len(q.queries) {
				close(q.completec)
			}
			q.mu.Unlock()
			return traffic, true
		}
		q.log.Errorf("httpq: %s %s to peer %q: %v", query.Method(), query.URI(), query.Peer(), err)
		// Retry number retries+1 is permitted while it is at most maxRetries.
		if err := retry.Wait(ctx, policy, retries+1); err != nil {
			q.log.Printf("httpq: reached the maximum number of retries for %s %s", query.Method(), query.URI())
			q.fail()
			return 0, false
		}
	}
}

func (q *Queue) fail() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.failed {
		q.failed = true
		close(q.completec)
	}
}

// WaitComplete blocks until the queue completes (all queries
// succeeded, or one failed) or the timeout elapses, and returns the
// queue's status at that point.
func (q *Queue) WaitComplete(timeout time.Duration) Status {
	q.mu.Lock()
	status := q.statusLocked()
	completec := q.completec
	q.mu.Unlock()
	if status != Running {
		return status
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-completec:
	case <-t.C:
	}
	return q.Status()
}

// Wait blocks until the queue completes, polling in 200 ms slices,
// and returns the final status.
func (q *Queue) Wait() Status {
	for {
		if status := q.WaitComplete(200 * time.Millisecond); status != Running {
			return status
		}
	}
}
