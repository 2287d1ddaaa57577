// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pull implements the pull transfer job: it asks a peer for
// the instance list behind a set of resources, fans out GET requests
// for the planned buckets over a worker pool, reassembles the
// instances in a staging area, and commits them into the local
// archive.
package pull

import (
	"context"
	"time"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/download"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/httpq"
	"github.com/grailbio/transfers/job"
	"github.com/grailbio/transfers/log"
	"github.com/grailbio/transfers/peer"
	"github.com/grailbio/transfers/scheduler"
)

// JobType identifies pull jobs to the external scheduler.
const JobType = "PullTransfer"

// A Driver is the pull job's state machine: lookup instances, pull
// buckets, commit.
type Driver struct {
	query      transfers.TransferQuery
	dir        *peer.Directory
	archive    transfers.Archive
	threads    int
	targetSize int64
	maxRetries int
	log        *log.Logger
}

// New validates the query against the peer directory and returns the
// pull job. Unknown peers fail with kind errors.NotExist.
func New(query transfers.TransferQuery, dir *peer.Directory, archive transfers.Archive,
	threads int, targetSize int64, maxRetries int, log *log.Logger) (*job.Job, error) {
	if _, ok := dir.Lookup(query.Peer); !ok {
		return nil, errors.E("pull.new", query.Peer, errors.NotExist,
			errors.New("unknown peer"))
	}
	d := &Driver{
		query:      query,
		dir:        dir,
		archive:    archive,
		threads:    threads,
		targetSize: targetSize,
		maxRetries: maxRetries,
		log:        log,
	}
	return job.New(d, query)
}

// Type implements job.Driver.
func (d *Driver) Type() string { return JobType }

// CreateInitialState implements job.Driver.
func (d *Driver) CreateInitialState(info *job.Info) job.Update {
	if d.query.Originator != "" {
		info.SetContent("Originator", d.query.Originator)
	}
	info.SetContent("Resources", d.query.Resources)
	info.SetContent("Peer", d.query.Peer)
	info.SetContent("Compression", d.query.Compression.String())
	return job.Next(&lookupState{driver: d, info: info})
}

// lookupAnswer is the peer's reply to a /lookup request.
type lookupAnswer struct {
	Instances  []transfers.InstanceInfo `json:"Instances"`
	Originator string                   `json:"Originator"`
}

type lookupState struct {
	driver *Driver
	info   *job.Info
}

func (s *lookupState) Step() job.Update {
	d := s.driver
	var answer lookupAnswer
	err := d.dir.PostJSON(context.Background(), d.query.Peer, transfers.URILookup,
		d.query.Resources, &answer, d.maxRetries)
	if err != nil {
		d.log.Errorf("pull: cannot retrieve the list of instances from peer %q "+
			"(check that it has the transfers accelerator enabled): %v", d.query.Peer, err)
		return job.Failure()
	}
	// Peers that do not know this node (no RemoteSelf on their side)
	// reply with their own originator; the check only applies when
	// the query carries one.
	if d.query.Originator != "" && d.query.Originator != answer.Originator {
		d.log.Errorf("pull: invalid originator from peer %q, check the RemoteSelf "+
			"property of that peer", d.query.Peer)
		return job.Failure()
	}

	plan := scheduler.New()
	for _, info := range answer.Instances {
		plan.AddInstanceInfo(info)
	}
	if plan.NumInstances() == 0 {
		// Nothing to retrieve.
		return job.Success()
	}
	next, err := newBucketsState(d, s.info, plan)
	if err != nil {
		d.log.Errorf("pull: cannot plan buckets from peer %q: %v", d.query.Peer, err)
		return job.Failure()
	}
	return job.Next(next)
}

func (s *lookupState) Stop(reason job.StopReason) {}

// pullQuery fetches one bucket into the staging area.
type pullQuery struct {
	area        *download.Area
	bucket      *transfers.Bucket
	peer        string
	uri         string
	compression transfers.Compression
}

func (q *pullQuery) Method() string { return "GET" }
func (q *pullQuery) Peer() string   { return q.peer }
func (q *pullQuery) URI() string    { return q.uri }

func (q *pullQuery) ReadBody() ([]byte, error) {
	return nil, errors.E("pull.readbody", errors.Precondition,
		errors.New("GET queries have no body"))
}

func (q *pullQuery) HandleAnswer(body []byte) error {
	return q.area.WriteBucket(q.bucket, body, q.compression)
}

type bucketsState struct {
	driver *Driver
	info   *job.Info
	area   *download.Area
	queue  *httpq.Queue
	runner *httpq.Runner
}

func newBucketsState(d *Driver, info *job.Info, plan *scheduler.Scheduler) (*bucketsState, error) {
	p, _ := d.dir.Lookup(d.query.Peer)
	buckets, err := plan.PullBuckets(d.targetSize, 2*d.targetSize, p.URL, d.query.Compression)
	if err != nil {
		return nil, err
	}
	s := &bucketsState{
		driver: d,
		info:   info,
		area:   download.New(plan.ListInstances(), d.log),
		queue:  httpq.NewQueue(d.dir, d.log),
	}
	s.queue.SetMaxRetries(d.maxRetries)
	for _, bucket := range buckets {
		uri, err := bucket.PullURI(d.query.Compression)
		if err != nil {
			return nil, err
		}
		err = s.queue.Enqueue(&pullQuery{
			area:        s.area,
			bucket:      bucket,
			peer:        d.query.Peer,
			uri:         uri,
			compression: d.query.Compression,
		})
		if err != nil {
			return nil, err
		}
	}
	info.SetContent("TotalInstances", plan.NumInstances())
	info.SetContent("TotalSizeMB", transfers.ToMegabytes(plan.TotalSize()))
	s.updateInfo()
	return s, nil
}

func (s *bucketsState) updateInfo() {
	scheduled, succeeded, downloaded, _ := s.queue.Stats()
	s.info.SetContent("DownloadedSizeMB", transfers.ToMegabytes(downloaded))
	s.info.SetContent("CompletedHttpQueries", succeeded)
	if s.runner != nil {
		s.info.SetContent("NetworkSpeedKBs", int64(s.runner.Speed()))
	}
	// The extra terms stand in for the lookup and commit states, and
	// conveniently prevent division by zero.
	s.info.SetProgress(float64(1+succeeded) / float64(2+scheduled))
}

func (s *bucketsState) Step() job.Update {
	if s.runner == nil {
		var err error
		if s.runner, err = httpq.NewRunner(s.queue, s.driver.threads); err != nil {
			s.driver.log.Errorf("pull: cannot start runner: %v", err)
			return job.Failure()
		}
	}
	status := s.queue.WaitComplete(200 * time.Millisecond)
	s.updateInfo()
	switch status {
	case httpq.Running:
		return job.Continue()
	case httpq.Success:
		s.runner.Close()
		return job.Next(&commitState{driver: s.driver, area: s.area})
	default:
		s.runner.Close()
		return job.Failure()
	}
}

func (s *bucketsState) Stop(reason job.StopReason) {
	if s.runner != nil {
		s.runner.Close()
	}
}

type commitState struct {
	driver *Driver
	area   *download.Area
}

func (s *commitState) Step() job.Update {
	if err := s.area.Commit(context.Background(), s.driver.archive); err != nil {
		s.driver.log.Errorf("pull: commit failed: %v", err)
		return job.Failure()
	}
	return job.Success()
}

func (s *commitState) Stop(reason job.StopReason) {}
