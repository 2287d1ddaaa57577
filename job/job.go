// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package job implements the stateful job harness through which
// transfer jobs plug into the host archive's job framework. A job is
// a state machine: each external step invocation delegates to the
// current state, which either continues, transitions to another
// state, or finishes the job. States poll rather than block, so the
// external scheduler stays in control of cancellation and
// prioritization.
package job

import (
	"encoding/json"
	"sync"

	"github.com/grailbio/transfers/errors"
)

// Status is the outcome of one step of a job, reported to the
// external scheduler.
type Status int

const (
	// StatusContinue indicates the job has more work to do.
	StatusContinue Status = iota
	// StatusSuccess indicates the job completed.
	StatusSuccess
	// StatusFailure indicates the job failed.
	StatusFailure
)

// String returns a human-readable status.
func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "continue"
	case StatusSuccess:
		return "success"
	default:
		return "failure"
	}
}

// StopReason tells a state why it is being stopped.
type StopReason int

const (
	// Paused indicates the job may be resumed with its state intact.
	Paused StopReason = iota
	// Canceled indicates the job is being torn down.
	Canceled
)

// A State is one phase of a job. Step performs a bounded amount of
// work (at most a short poll) and reports how to proceed; Stop
// releases the state's resources, best-effort.
type State interface {
	Step() Update
	Stop(reason StopReason)
}

// An Update is the outcome of one state step: a terminal status, a
// request to keep stepping the same state, or a transition to a new
// state.
type Update struct {
	status Status
	state  State
}

// Next transitions the job to the given state.
func Next(state State) Update { return Update{state: state} }

// Continue keeps stepping the current state.
func Continue() Update { return Update{status: StatusContinue} }

// Success finishes the job successfully.
func Success() Update { return Update{status: StatusSuccess} }

// Failure finishes the job unsuccessfully.
func Failure() Update { return Update{status: StatusFailure} }

// A Driver supplies a job's identity, initial state and persisted
// form. Pull and push jobs implement Driver.
type Driver interface {
	// Type names the job kind for the external scheduler.
	Type() string
	// CreateInitialState produces the job's first update, typically a
	// transition into its initial state.
	CreateInitialState(info *Info) Update
}

// Info carries a job's observable state: a progress fraction and a
// JSON-like content object. Content updates are batched so the
// external scheduler sees a single publication per step.
type Info struct {
	mu        sync.Mutex
	progress  float64
	content   map[string]interface{}
	updated   bool
	published map[string]interface{}
}

// SetProgress publishes the job's progress in [0, 1].
func (i *Info) SetProgress(progress float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.progress = progress
}

// SetContent sets one content field. The new value becomes visible at
// the end of the current step.
func (i *Info) SetContent(key string, value interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.content == nil {
		i.content = make(map[string]interface{})
	}
	i.content[key] = value
	i.updated = true
}

// Progress returns the last published progress.
func (i *Info) Progress() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.progress
}

// Content returns the last published content object.
func (i *Info) Content() map[string]interface{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.published
}

// flush publishes batched content updates.
func (i *Info) flush() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.updated {
		return
	}
	published := make(map[string]interface{}, len(i.content))
	for k, v := range i.content {
		published[k] = v
	}
	i.published = published
	i.updated = false
}

// A Job drives a Driver's states under the external scheduler's
// step/stop/reset protocol. Jobs are stepped by a single goroutine;
// Progress and Content may be read concurrently.
type Job struct {
	driver     Driver
	info       Info
	state      State
	serialized json.RawMessage
}

// New returns a job over the given driver. The serialized argument is
// the job's persisted form (its transfer query), handed back to the
// external scheduler for recovery.
func New(driver Driver, serialized interface{}) (*Job, error) {
	j := &Job{driver: driver}
	var err error
	if j.serialized, err = json.Marshal(serialized); err != nil {
		return nil, errors.E("job.new", driver.Type(), err)
	}
	return j, nil
}

// Type names the job kind.
func (j *Job) Type() string { return j.driver.Type() }

// Serialized returns the job's persisted form.
func (j *Job) Serialized() json.RawMessage { return j.serialized }

// Progress returns the job's progress in [0, 1].
func (j *Job) Progress() float64 { return j.info.Progress() }

// Content returns the job's published content object.
func (j *Job) Content() map[string]interface{} { return j.info.Content() }

// Step advances the job by one state step, creating the initial state
// on the first invocation, and reports the job's status. Terminal
// statuses drop the current state: a later rerun starts from scratch.
func (j *Job) Step() Status {
	var u Update
	if j.state == nil {
		u = j.driver.CreateInitialState(&j.info)
	} else {
		u = j.state.Step()
	}
	j.info.flush()
	if u.state != nil {
		j.state = u.state
		return StatusContinue
	}
	switch u.status {
	case StatusSuccess:
		j.info.SetProgress(1)
		j.state = nil
	case StatusFailure:
		j.state = nil
	}
	return u.status
}

// Stop stops the current state, releasing its resources. Any reason
// other than Paused also drops the state, forcing a later rerun to
// start from the initial state.
func (j *Job) Stop(reason StopReason) {
	if j.state == nil {
		return
	}
	j.state.Stop(reason)
	if reason != Paused {
		j.state = nil
	}
}

// Reset prepares a failed job for rerunning. It is only valid in a
// stateless position; calling it with live state is a protocol
// violation by the external scheduler, reported as kind
// errors.BadSequence rather than silently continuing.
func (j *Job) Reset() error {
	if j.state != nil {
		return errors.E("job.reset", j.driver.Type(), errors.BadSequence,
			errors.New("reset of a job with live state"))
	}
	return nil
}
