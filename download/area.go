// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package download implements the staging area into which transferred
// buckets are reassembled. An area owns one pre-sized buffer per
// expected instance; workers scatter bucket payloads into the buffers
// concurrently, and a final commit verifies each instance's digest
// before handing it to the host archive. Nothing reaches the archive
// unless its digest matches.
package download

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/base/data"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

type slot struct {
	info transfers.InstanceInfo
	buf  []byte
}

func (s *slot) writeChunk(offset, size int64, body []byte) error {
	if offset+size > s.info.Size {
		return errors.E("download.writechunk", s.info.ID, errors.OutOfRange,
			errors.New("chunk write out of bounds"))
	}
	copy(s.buf[offset:offset+size], body[:size])
	return nil
}

// An Area is a staging area for one transfer. It is safe for
// concurrent use: bucket writes targeting disjoint ranges may proceed
// from any number of workers.
type Area struct {
	mu        sync.Mutex
	slots     map[string]*slot
	totalSize int64
	log       *log.Logger
}

// New returns an area with a zero-initialized buffer of the exact
// expected size for each of the given instances.
func New(instances []transfers.InstanceInfo, log *log.Logger) *Area {
	a := &Area{slots: make(map[string]*slot, len(instances)), log: log}
	for _, info := range instances {
		a.slots[info.ID] = &slot{info: info, buf: make([]byte, info.Size)}
		a.totalSize += info.Size
	}
	return a
}

// TotalSize returns the summed size of the area's uncommitted
// instances.
func (a *Area) TotalSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalSize
}

func (a *Area) lookup(id string) (*slot, error) {
	s, ok := a.slots[id]
	if !ok {
		return nil, errors.E("download.lookup", id, errors.NotExist,
			errors.New("unknown instance"))
	}
	return s, nil
}

// WriteBucket scatters a bucket payload across the area's buffers:
// byte ranges are consumed from the (inflated) payload in chunk order
// and written at each chunk's offset in its instance's buffer. A
// payload whose inflated length differs from the bucket's total size
// is a protocol violation of kind errors.Net.
func (a *Area) WriteBucket(bucket *transfers.Bucket, payload []byte, compression transfers.Compression) error {
	payload, err := compression.Inflate(payload)
	if err != nil {
		// A payload that fails to inflate is a protocol violation by
		// the sender, not an integrity failure of the content.
		return errors.E("download.writebucket", errors.Net, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if int64(len(payload)) != bucket.TotalSize() {
		return errors.E("download.writebucket", errors.Net,
			errors.Errorf("payload size %d does not match bucket size %d",
				len(payload), bucket.TotalSize()))
	}
	var pos int64
	for i := 0; i < bucket.NumChunks(); i++ {
		chunk := bucket.Chunk(i)
		if pos+chunk.Size > int64(len(payload)) {
			return errors.E("download.writebucket", chunk.ID, errors.Fatal,
				errors.New("bucket chunks overrun payload"))
		}
		s, err := a.lookup(chunk.ID)
		if err != nil {
			return err
		}
		if err := s.writeChunk(chunk.Offset, chunk.Size, payload[pos:]); err != nil {
			return err
		}
		pos += chunk.Size
	}
	if pos != int64(len(payload)) {
		return errors.E("download.writebucket", errors.Fatal,
			errors.New("bucket chunks underrun payload"))
	}
	return nil
}

// WriteInstance stores a whole instance at once. The payload must
// match the expected descriptor exactly; a size or digest mismatch is
// reported as kind errors.Integrity.
func (a *Area) WriteInstance(id string, payload []byte) error {
	md5 := transfers.Digester.FromBytes(payload)

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[id]
	if !ok || s.info.Size != int64(len(payload)) || s.info.MD5 != md5 {
		return errors.E("download.writeinstance", id, errors.Integrity,
			errors.New("instance does not match its descriptor"))
	}
	return s.writeChunk(0, int64(len(payload)), payload)
}

// CheckMD5 verifies every instance buffer against its descriptor
// without committing anything. A mismatch is reported as kind
// errors.Integrity.
func (a *Area) CheckMD5() error {
	a.log.Printf("download: checking MD5 sums without committing")
	return a.commit(context.Background(), nil, true)
}

// Commit verifies every instance buffer and imports it into the host
// archive, then empties the area. The first digest mismatch or import
// failure aborts the commit with kind errors.Integrity; instances
// already imported stay imported (the archive deduplicates
// re-imports on a rerun). Commit is serialized under the area's
// mutex; a committed area is empty, so a second commit is a no-op.
func (a *Area) Commit(ctx context.Context, archive transfers.Archive) error {
	a.log.Printf("download: importing %s of transferred instances into the archive",
		data.Size(a.TotalSize()))
	return a.commit(ctx, archive, false)
}

func (a *Area) commit(ctx context.Context, archive transfers.Archive, simulate bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Iterate over a stable order so failures are deterministic.
	ids := make([]string, 0, len(a.slots))
	for id := range a.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := a.slots[id]
		if md5 := transfers.Digester.FromBytes(s.buf); md5 != s.info.MD5 {
			a.log.Errorf("download: bad MD5 sum in transferred instance %s", id)
			return errors.E("download.commit", id, errors.Integrity,
				errors.New("bad MD5 sum in a transferred instance"))
		}
		if !simulate {
			if err := archive.Import(ctx, s.buf); err != nil {
				a.log.Errorf("download: cannot import instance %s: %v", id, err)
				return errors.E("download.commit", id, errors.Integrity, err)
			}
			delete(a.slots, id)
			a.totalSize -= s.info.Size
		}
	}
	return nil
}

// NumPending returns the number of instances not yet committed.
func (a *Area) NumPending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
