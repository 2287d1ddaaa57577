// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package job

import (
	"sync"

	"github.com/google/uuid"

	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

// JobState is the lifecycle state of a submitted job.
type JobState string

// Lifecycle states of submitted jobs.
const (
	Running   JobState = "Running"
	Succeeded JobState = "Success"
	Failed    JobState = "Failure"
	Stopped   JobState = "Stopped"
)

// A Handle tracks one submitted job.
type Handle struct {
	job      *Job
	priority int

	mu     sync.Mutex
	state  JobState
	cancel bool
	done   chan struct{}
}

// State returns the job's lifecycle state.
func (h *Handle) State() JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Progress returns the job's progress in [0, 1].
func (h *Handle) Progress() float64 { return h.job.Progress() }

// Content returns the job's published content object.
func (h *Handle) Content() map[string]interface{} { return h.job.Content() }

// Type names the job kind.
func (h *Handle) Type() string { return h.job.Type() }

// Priority returns the priority the job was submitted with.
func (h *Handle) Priority() int { return h.priority }

// Done returns a channel closed when the job reaches a terminal
// state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests the job's teardown: the job is stopped between
// steps, its runner torn down, and its state dropped.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = true
}

func (h *Handle) canceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel
}

func (h *Handle) finish(state JobState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	close(h.done)
}

// A Scheduler runs submitted jobs to completion, stepping each on its
// own goroutine. It stands in for the host archive's job framework:
// jobs surface the same step/stop/reset protocol either way.
// Priorities are recorded but not preempted.
type Scheduler struct {
	log *log.Logger

	mu   sync.Mutex
	jobs map[string]*Handle
}

// NewScheduler returns an empty scheduler.
func NewScheduler(log *log.Logger) *Scheduler {
	return &Scheduler{log: log, jobs: make(map[string]*Handle)}
}

// Submit registers a job and starts stepping it. It returns the job's
// id.
func (s *Scheduler) Submit(j *Job, priority int) string {
	id := uuid.New().String()
	h := &Handle{job: j, priority: priority, state: Running, done: make(chan struct{})}
	s.mu.Lock()
	s.jobs[id] = h
	s.mu.Unlock()
	s.log.Printf("job %s (%s) submitted with priority %d", id, j.Type(), priority)
	go s.run(id, h)
	return id
}

func (s *Scheduler) run(id string, h *Handle) {
	for {
		if h.canceled() {
			h.job.Stop(Canceled)
			s.log.Printf("job %s (%s) stopped", id, h.job.Type())
			h.finish(Stopped)
			return
		}
		switch h.job.Step() {
		case StatusContinue:
		case StatusSuccess:
			s.log.Printf("job %s (%s) succeeded", id, h.job.Type())
			h.finish(Succeeded)
			return
		case StatusFailure:
			s.log.Errorf("job %s (%s) failed", id, h.job.Type())
			h.finish(Failed)
			return
		}
	}
}

// Lookup resolves a job id. Unknown ids fail with kind
// errors.NotExist.
func (s *Scheduler) Lookup(id string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.jobs[id]
	if !ok {
		return nil, errors.E("job.lookup", id, errors.NotExist, errors.New("unknown job"))
	}
	return h, nil
}
