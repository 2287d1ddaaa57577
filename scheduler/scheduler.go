// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scheduler implements the bucket planner: it collects the
// instances of a transfer and partitions their bytes into buckets.
// Small instances are grouped to amortize per-request overhead,
// medium instances travel whole, and large instances are sharded into
// chunks so several connections can carry them in parallel.
package scheduler

import (
	"context"
	"sort"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/cache"
	"github.com/grailbio/transfers/errors"
)

// maxURLLength caps the length of pull URLs. Keeping URLs under 2000
// characters makes them work in virtually any combination of client,
// server and proxy software; the margin leaves room for one archive
// identifier.
const maxURLLength = 2000 - 44

// A Scheduler accumulates the instances of one transfer and plans
// their buckets.
type Scheduler struct {
	instances map[string]transfers.InstanceInfo
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{instances: make(map[string]transfers.InstanceInfo)}
}

// AddInstanceInfo registers an instance by its descriptor.
func (s *Scheduler) AddInstanceInfo(info transfers.InstanceInfo) {
	s.instances[info.ID] = info
}

// AddInstance registers an instance by id, obtaining its descriptor
// through the cache.
func (s *Scheduler) AddInstance(ctx context.Context, c *cache.Cache, id string) error {
	info, err := c.GetInstanceInfo(ctx, id)
	if err != nil {
		return err
	}
	s.AddInstanceInfo(info)
	return nil
}

// AddResource expands a patient, study or series into its instances
// and registers each of them. Unknown resources fail with kind
// errors.NotExist.
func (s *Scheduler) AddResource(ctx context.Context, c *cache.Cache, level transfers.Level, id string) error {
	ids, err := c.Archive().Instances(ctx, level, id)
	if err != nil {
		return errors.E("scheduler.addresource", string(level), id, err)
	}
	for _, instanceID := range ids {
		if err := s.AddInstance(ctx, c, instanceID); err != nil {
			return err
		}
	}
	return nil
}

// ParseResources registers every resource of a transfer query.
func (s *Scheduler) ParseResources(ctx context.Context, c *cache.Cache, resources []transfers.Resource) error {
	for _, r := range resources {
		var err error
		switch r.Level {
		case transfers.Instance:
			err = s.AddInstance(ctx, c, r.ID)
		case transfers.Patient, transfers.Study, transfers.Series:
			err = s.AddResource(ctx, c, r.Level, r.ID)
		default:
			err = errors.E("scheduler.parseresources", r.ID, errors.OutOfRange,
				errors.New("unknown resource level"))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ListInstances returns the registered instances in ascending id
// order. The ordering is deterministic but not part of the planning
// contract.
func (s *Scheduler) ListInstances() []transfers.InstanceInfo {
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	instances := make([]transfers.InstanceInfo, len(ids))
	for i, id := range ids {
		instances[i] = s.instances[id]
	}
	return instances
}

// NumInstances returns the number of registered instances.
func (s *Scheduler) NumInstances() int { return len(s.instances) }

// TotalSize returns the summed size of the registered instances.
func (s *Scheduler) TotalSize() int64 {
	var size int64
	for _, info := range s.instances {
		size += info.Size
	}
	return size
}

// PullBuckets plans the buckets of a pull transfer. Beyond the
// thresholds, pull bucket grouping is limited by the length of the
// resulting GET URL against the peer's base URL.
func (s *Scheduler) PullBuckets(group, separate int64, baseURL string, compression transfers.Compression) ([]*transfers.Bucket, error) {
	return s.computeBuckets(group, separate, baseURL, compression)
}

// PushManifest plans the buckets of a push transfer and renders the
// transaction manifest declaring them to the receiving peer.
func (s *Scheduler) PushManifest(group, separate int64, compression transfers.Compression) (transfers.Manifest, error) {
	buckets, err := s.computeBuckets(group, separate, "", transfers.None)
	if err != nil {
		return transfers.Manifest{}, err
	}
	return transfers.Manifest{
		Instances:   s.ListInstances(),
		Buckets:     buckets,
		Compression: compression,
	}, nil
}

// computeBuckets partitions every registered byte into buckets.
// Instances smaller than group are packed together; instances of at
// least separate bytes are split into ceil(size/separate) near-equal
// chunks of at most separate bytes; the rest travel as single-chunk
// buckets.
func (s *Scheduler) computeBuckets(group, separate int64, baseURL string, compression transfers.Compression) ([]*transfers.Bucket, error) {
	if group <= 0 || group > separate {
		return nil, errors.E("scheduler.computebuckets", errors.OutOfRange,
			errors.New("thresholds must satisfy 0 < group <= separate"))
	}

	target := []*transfers.Bucket{}
	var toGroup []transfers.InstanceInfo

	for _, info := range s.ListInstances() {
		switch size := info.Size; {
		case size < group:
			toGroup = append(toGroup, info)
		case size < separate:
			// Send the whole instance as it is.
			bucket := transfers.NewBucket()
			if err := bucket.AddChunk(info, 0, size); err != nil {
				return nil, err
			}
			target = append(target, bucket)
		default:
			// Divide this large instance into a set of chunks.
			count := size / separate
			if size%separate != 0 {
				count++
			}
			chunkSize := size / count
			var offset int64
			for i := int64(0); i < count; i, offset = i+1, offset+chunkSize {
				bucket := transfers.NewBucket()
				n := chunkSize
				if i == count-1 {
					// The last chunk absorbs the rounding remainder.
					n = size - offset
				}
				if err := bucket.AddChunk(info, offset, n); err != nil {
					return nil, err
				}
				target = append(target, bucket)
			}
		}
	}

	// Group the remaining small instances, keeping each pull URL
	// within practical length limits.
	bucket := transfers.NewBucket()
	for _, info := range toGroup {
		if err := bucket.AddChunk(info, 0, info.Size); err != nil {
			return nil, err
		}
		full := bucket.TotalSize() >= group
		if !full && baseURL != "" {
			uri, err := bucket.PullURI(compression)
			if err != nil {
				return nil, err
			}
			full = len(baseURL)+len(uri) >= maxURLLength
		}
		if full {
			target = append(target, bucket)
			bucket = transfers.NewBucket()
		}
	}
	if bucket.NumChunks() > 0 {
		target = append(target, bucket)
	}
	return target, nil
}
