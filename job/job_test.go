// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package job

import (
	"testing"

	"github.com/grailbio/transfers/errors"
)

// countingState steps a fixed number of times before yielding its
// final update.
type countingState struct {
	info    *Info
	steps   int
	final   Update
	stopped int
}

func (s *countingState) Step() Update {
	s.info.SetContent("Steps", s.steps)
	if s.steps == 0 {
		return s.final
	}
	s.steps--
	return Continue()
}

func (s *countingState) Stop(reason StopReason) { s.stopped++ }

type testDriver struct {
	state *countingState
	next  func(info *Info) Update
}

func (d *testDriver) Type() string { return "test" }

func (d *testDriver) CreateInitialState(info *Info) Update {
	return d.next(info)
}

func newCountingJob(t *testing.T, steps int, final Update) (*Job, *testDriver) {
	t.Helper()
	d := &testDriver{}
	d.next = func(info *Info) Update {
		d.state = &countingState{info: info, steps: steps, final: final}
		return Next(d.state)
	}
	j, err := New(d, map[string]string{"Peer": "remote"})
	if err != nil {
		t.Fatal(err)
	}
	return j, d
}

func TestJobSuccess(t *testing.T) {
	j, _ := newCountingJob(t, 2, Success())
	// First step instantiates the initial state.
	for i := 0; i < 3; i++ {
		if got, want := j.Step(), StatusContinue; got != want {
			t.Fatalf("step %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := j.Step(), StatusSuccess; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := j.Progress(), 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := j.Content()["Steps"], 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestJobFailure(t *testing.T) {
	j, _ := newCountingJob(t, 0, Failure())
	if got, want := j.Step(), StatusContinue; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := j.Step(), StatusFailure; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// After failure the state is dropped; stepping again reruns from
	// the initial state.
	if got, want := j.Step(), StatusContinue; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestJobStop(t *testing.T) {
	j, d := newCountingJob(t, 10, Success())
	if got, want := j.Step(), StatusContinue; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	state := d.state
	j.Stop(Canceled)
	if got, want := state.stopped, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// A non-paused stop drops the state: the next step starts over.
	j.Step()
	if d.state == state {
		t.Error("state not recreated after stop")
	}

	// A paused stop keeps the state.
	j2, d2 := newCountingJob(t, 10, Success())
	j2.Step()
	state2 := d2.state
	j2.Stop(Paused)
	if got, want := state2.stopped, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	j2.Step()
	if d2.state != state2 {
		t.Error("state recreated after pause")
	}
}

func TestJobReset(t *testing.T) {
	j, _ := newCountingJob(t, 1, Failure())
	// Reset is valid before the first step and after failure.
	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}
	if got, want := j.Step(), StatusContinue; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := j.Reset(); !errors.Is(errors.BadSequence, err) {
		t.Errorf("got %v, want BadSequence", err)
	}
	j.Step()
	if got, want := j.Step(), StatusFailure; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}
}

func TestJobContentBatching(t *testing.T) {
	d := &testDriver{}
	d.next = func(info *Info) Update {
		info.SetContent("A", 1)
		info.SetContent("B", 2)
		return Next(&countingState{info: info, steps: 1, final: Success()})
	}
	j, err := New(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Before any step, nothing is published.
	if got := j.Content(); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	j.Step()
	content := j.Content()
	if got, want := content["A"], 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := content["B"], 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestJobSerialized(t *testing.T) {
	j, _ := newCountingJob(t, 0, Success())
	if got, want := string(j.Serialized()), `{"Peer":"remote"}`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSchedulerRunsToCompletion(t *testing.T) {
	s := NewScheduler(nil)
	j, _ := newCountingJob(t, 3, Success())
	id := s.Submit(j, 7)
	h, err := s.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	<-h.Done()
	if got, want := h.State(), Succeeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := h.Priority(), 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := h.Progress(), 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := s.Lookup("nope"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}
