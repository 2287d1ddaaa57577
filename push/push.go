// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package push

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/cache"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/httpq"
	"github.com/grailbio/transfers/job"
	"github.com/grailbio/transfers/log"
	"github.com/grailbio/transfers/peer"
	"github.com/grailbio/transfers/scheduler"
)

// JobType identifies push jobs to the external scheduler.
const JobType = "PushTransfer"

// A Driver is the push job's state machine: open a transaction on the
// peer, stream buckets, then commit or abort.
type Driver struct {
	query      transfers.TransferQuery
	dir        *peer.Directory
	cache      *cache.Cache
	threads    int
	targetSize int64
	maxRetries int
	log        *log.Logger
}

// New validates the query against the peer directory and returns the
// push job. Unknown peers fail with kind errors.NotExist.
func New(query transfers.TransferQuery, dir *peer.Directory, c *cache.Cache,
	threads int, targetSize int64, maxRetries int, log *log.Logger) (*job.Job, error) {
	if _, ok := dir.Lookup(query.Peer); !ok {
		return nil, errors.E("push.new", query.Peer, errors.NotExist,
			errors.New("unknown peer"))
	}
	d := &Driver{
		query:      query,
		dir:        dir,
		cache:      c,
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
	info.SetContent("Resources", d.query.Resources)
	info.SetContent("Peer", d.query.Peer)
	info.SetContent("Compression", d.query.Compression.String())
	return job.Next(&createState{driver: d, info: info})
}

type createState struct {
	driver *Driver
	info   *job.Info
}

func (s *createState) Step() job.Update {
	d := s.driver
	ctx := context.Background()

	plan := scheduler.New()
	if err := plan.ParseResources(ctx, d.cache, d.query.Resources); err != nil {
		d.log.Errorf("push: cannot resolve resources: %v", err)
		return job.Failure()
	}
	manifest, err := plan.PushManifest(d.targetSize, 2*d.targetSize, d.query.Compression)
	if err != nil {
		d.log.Errorf("push: cannot plan buckets: %v", err)
		return job.Failure()
	}
	s.info.SetContent("TotalInstances", plan.NumInstances())
	s.info.SetContent("TotalSizeMB", transfers.ToMegabytes(plan.TotalSize()))

	var answer struct {
		Path string `json:"Path"`
	}
	err = d.dir.PostJSON(ctx, d.query.Peer, transfers.URIPush, manifest, &answer, d.maxRetries)
	if err != nil {
		d.log.Errorf("push: cannot create a push transaction on peer %q "+
			"(check that it has the transfers accelerator enabled): %v", d.query.Peer, err)
		return job.Failure()
	}
	if answer.Path == "" {
		d.log.Errorf("push: bad network protocol from peer %q", d.query.Peer)
		return job.Failure()
	}
	return job.Next(newBucketsState(d, s.info, answer.Path, manifest.Buckets))
}

func (s *createState) Stop(reason job.StopReason) {}

// pushQuery streams one bucket into the peer's transaction. Its body
// is the bucket's chunks read from the local instance cache,
// concatenated in order, compressed as requested.
type pushQuery struct {
	cache       *cache.Cache
	bucket      *transfers.Bucket
	peer        string
	uri         string
	compression transfers.Compression
}

func (q *pushQuery) Method() string { return "PUT" }
func (q *pushQuery) Peer() string   { return q.peer }
func (q *pushQuery) URI() string    { return q.uri }

func (q *pushQuery) ReadBody() ([]byte, error) {
	ctx := context.Background()
	var body bytes.Buffer
	for i := 0; i < q.bucket.NumChunks(); i++ {
		chunk, _, err := q.cache.GetBucketChunk(ctx, q.bucket, i)
		if err != nil {
			return nil, err
		}
		body.Write(chunk)
	}
	return q.compression.Deflate(body.Bytes())
}

func (q *pushQuery) HandleAnswer(body []byte) error {
	return errors.E("push.handleanswer", errors.Precondition,
		errors.New("PUT queries have no answer"))
}

type bucketsState struct {
	driver         *Driver
	info           *job.Info
	transactionURI string
	queue          *httpq.Queue
	runner         *httpq.Runner
}

func newBucketsState(d *Driver, info *job.Info, transactionURI string, buckets []*transfers.Bucket) *bucketsState {
	s := &bucketsState{
		driver:         d,
		info:           info,
		transactionURI: transactionURI,
		queue:          httpq.NewQueue(d.dir, d.log),
	}
	s.queue.SetMaxRetries(d.maxRetries)
	for i, bucket := range buckets {
		// Enqueue cannot fail here: every planned bucket is non-nil.
		_ = s.queue.Enqueue(&pushQuery{
			cache:       d.cache,
			bucket:      bucket,
			peer:        d.query.Peer,
			uri:         transactionURI + "/" + strconv.Itoa(i),
			compression: d.query.Compression,
		})
	}
	s.updateInfo()
	return s
}

func (s *bucketsState) updateInfo() {
	scheduled, succeeded, _, uploaded := s.queue.Stats()
	s.info.SetContent("UploadedSizeMB", transfers.ToMegabytes(uploaded))
	s.info.SetContent("CompletedHttpQueries", succeeded)
	if s.runner != nil {
		s.info.SetContent("NetworkSpeedKBs", int64(s.runner.Speed()))
	}
	// The extra terms stand in for the create and final states, and
	// conveniently prevent division by zero.
	s.info.SetProgress(float64(1+succeeded) / float64(2+scheduled))
}

func (s *bucketsState) Step() job.Update {
	if s.runner == nil {
		var err error
		if s.runner, err = httpq.NewRunner(s.queue, s.driver.threads); err != nil {
			s.driver.log.Errorf("push: cannot start runner: %v", err)
			return job.Failure()
		}
	}
	status := s.queue.WaitComplete(200 * time.Millisecond)
	s.updateInfo()
	switch status {
	case httpq.Running:
		return job.Continue()
	case httpq.Success:
		// Commit the transaction on the remote peer.
		s.runner.Close()
		return job.Next(&finalState{driver: s.driver, transactionURI: s.transactionURI, commit: true})
	default:
		// Discard the transaction on the remote peer.
		s.runner.Close()
		return job.Next(&finalState{driver: s.driver, transactionURI: s.transactionURI, commit: false})
	}
}

func (s *bucketsState) Stop(reason job.StopReason) {
	if s.runner != nil {
		s.runner.Close()
	}
}

type finalState struct {
	driver         *Driver
	transactionURI string
	commit         bool
}

func (s *finalState) Step() job.Update {
	d := s.driver
	ctx := context.Background()
	if s.commit {
		err := d.dir.PostJSON(ctx, d.query.Peer, s.transactionURI+"/commit", nil, nil, d.maxRetries)
		if err != nil {
			d.log.Errorf("push: cannot commit push transaction on peer %q: %v", d.query.Peer, err)
			return job.Failure()
		}
		return job.Success()
	}
	// Best-effort abort: the transfer already failed either way.
	if err := d.dir.Delete(ctx, d.query.Peer, s.transactionURI, d.maxRetries); err != nil {
		d.log.Errorf("push: cannot discard push transaction on peer %q: %v", d.query.Peer, err)
	}
	return job.Failure()
}

func (s *finalState) Stop(reason job.StopReason) {}
