// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cache implements the sender-side instance cache: a
// thread-safe, bytes-bounded LRU of fully loaded source instances
// from which chunk payloads are extracted. Reads copy the requested
// subrange under the cache lock, so callers never hold cache-owned
// bytes across network I/O.
package cache

import (
	"context"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

// maxEntries bounds the recency index by count. The cache is sized in
// bytes, so the count bound is nominal: it only exists because the
// underlying LRU requires one.
const maxEntries = 1 << 30

type entry struct {
	info transfers.InstanceInfo
	body []byte
}

// A Cache holds recently loaded instances up to a configured number
// of bytes. A single instance larger than the whole cache is admitted
// intact: it is never worth refusing to serve an instance the archive
// holds.
type Cache struct {
	archive transfers.Archive
	log     *log.Logger

	mu      sync.Mutex
	index   *simplelru.LRU
	size    int64
	maxSize int64
}

// New returns a cache over the given archive holding at most maxSize
// bytes. Nonpositive sizes are rejected with kind errors.OutOfRange.
func New(archive transfers.Archive, maxSize int64, log *log.Logger) (*Cache, error) {
	if maxSize <= 0 {
		return nil, errors.E("cache.new", errors.OutOfRange,
			errors.New("cache size must be positive"))
	}
	c := &Cache{archive: archive, log: log, maxSize: maxSize}
	var err error
	c.index, err = simplelru.NewLRU(maxEntries, func(key, value interface{}) {
		c.size -= value.(*entry).info.Size
	})
	if err != nil {
		return nil, errors.E("cache.new", errors.Fatal, err)
	}
	return c, nil
}

// Archive returns the archive backing this cache.
func (c *Cache) Archive() transfers.Archive { return c.archive }

// MemorySize returns the number of bytes currently resident.
func (c *Cache) MemorySize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxMemorySize returns the cache's capacity in bytes.
func (c *Cache) MaxMemorySize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// SetMaxMemorySize changes the cache's capacity, evicting the oldest
// entries until residency fits. A single entry exceeding the new
// capacity on its own is left resident.
func (c *Cache) SetMaxMemorySize(maxSize int64) error {
	if maxSize <= 0 {
		return errors.E("cache.setmaxmemorysize", errors.OutOfRange,
			errors.New("cache size must be positive"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.size > maxSize && c.index.Len() > 1 {
		c.index.RemoveOldest()
	}
	c.maxSize = maxSize
	return nil
}

// GetInstanceInfo returns the descriptor of the given instance,
// loading the instance from the archive on a cache miss.
func (c *Cache) GetInstanceInfo(ctx context.Context, id string) (transfers.InstanceInfo, error) {
	c.mu.Lock()
	if v, ok := c.index.Get(id); ok {
		info := v.(*entry).info
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	e, err := c.load(ctx, id)
	if err != nil {
		return transfers.InstanceInfo{}, err
	}
	c.store(e)
	return e.info, nil
}

// GetChunk copies the byte range [offset, offset+size) of the given
// instance into a fresh buffer and returns it along with the range's
// MD5 digest, loading the instance from the archive on a cache miss.
func (c *Cache) GetChunk(ctx context.Context, id string, offset, size int64) ([]byte, digest.Digest, error) {
	c.mu.Lock()
	if v, ok := c.index.Get(id); ok {
		body, md5, err := v.(*entry).chunk(offset, size)
		c.mu.Unlock()
		return body, md5, err
	}
	c.mu.Unlock()

	e, err := c.load(ctx, id)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	body, md5, err := e.chunk(offset, size)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	c.store(e)
	return body, md5, nil
}

// GetBucketChunk is a convenience for reading the i'th chunk of a
// bucket.
func (c *Cache) GetBucketChunk(ctx context.Context, bucket *transfers.Bucket, i int) ([]byte, digest.Digest, error) {
	chunk := bucket.Chunk(i)
	return c.GetChunk(ctx, chunk.ID, chunk.Offset, chunk.Size)
}

func (e *entry) chunk(offset, size int64) ([]byte, digest.Digest, error) {
	if offset < 0 || size < 0 || offset+size > e.info.Size {
		return nil, digest.Digest{}, errors.E("cache.getchunk", e.info.ID, errors.OutOfRange,
			errors.New("chunk out of instance bounds"))
	}
	body := make([]byte, size)
	copy(body, e.body[offset:offset+size])
	return body, transfers.Digester.FromBytes(body), nil
}

// load fetches a whole instance from the archive and digests it.
func (c *Cache) load(ctx context.Context, id string) (*entry, error) {
	c.log.Debugf("cache: reading instance %s from the archive", id)
	body, err := c.archive.Fetch(ctx, id)
	if err != nil {
		return nil, errors.E("cache.load", id, err)
	}
	return &entry{info: transfers.NewInstanceInfo(id, body), body: body}, nil
}

// store inserts a freshly loaded instance, evicting the oldest
// entries until the newcomer fits. If another caller inserted the
// same instance meanwhile, the newcomer is dropped and the resident
// entry is bumped to most recently used.
func (c *Cache) store(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index.Get(e.info.ID); ok {
		// Loaded by another caller since our lookup; keep theirs.
		return
	}
	for c.index.Len() > 0 && c.size+e.info.Size > c.maxSize {
		c.index.RemoveOldest()
	}
	c.index.Add(e.info.ID, e)
	c.size += e.info.Size
}
