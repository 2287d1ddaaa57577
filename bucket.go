// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfers

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/grailbio/transfers/errors"
)

// A Bucket is an ordered, nonempty sequence of chunks transferred as
// a single HTTP request. Only the first chunk of a bucket may start at
// a nonzero offset, and once a later chunk covers its instance only
// partially, the bucket is sealed against further additions. These two
// rules guarantee that a bucket is addressable by the compact URL
// computed by PullURI.
type Bucket struct {
	chunks     []Chunk
	totalSize  int64
	extensible bool
}

// NewBucket returns an empty, extensible bucket.
func NewBucket() *Bucket {
	return &Bucket{extensible: true}
}

// Clear resets the bucket to its empty, extensible state.
func (b *Bucket) Clear() {
	b.chunks = nil
	b.totalSize = 0
	b.extensible = true
}

// AddChunk appends the byte range [offset, offset+size) of the given
// instance to the bucket. Ranges extending past the end of the
// instance and nonzero offsets on chunks other than the first are
// rejected with kind errors.OutOfRange; additions to a sealed bucket
// fail with kind errors.BadSequence. Empty chunks are ignored.
func (b *Bucket) AddChunk(instance InstanceInfo, offset, size int64) error {
	if offset < 0 || size < 0 || offset+size > instance.Size {
		return errors.E("bucket.addchunk", instance.ID, errors.OutOfRange,
			errors.New("chunk out of instance bounds"))
	}
	if !b.extensible {
		return errors.E("bucket.addchunk", instance.ID, errors.BadSequence,
			errors.New("cannot add a new chunk after a truncated instance"))
	}
	if len(b.chunks) > 0 && offset != 0 {
		return errors.E("bucket.addchunk", instance.ID, errors.OutOfRange,
			errors.New("only the first chunk of a bucket can have a nonzero offset"))
	}
	if size == 0 {
		return nil
	}
	if len(b.chunks) > 0 && size != instance.Size {
		// No chunk may follow an incomplete instance.
		b.extensible = false
	}
	b.chunks = append(b.chunks, Chunk{ID: instance.ID, Offset: offset, Size: size})
	b.totalSize += size
	return nil
}

// NumChunks returns the number of chunks in the bucket.
func (b *Bucket) NumChunks() int { return len(b.chunks) }

// Chunk returns the i'th chunk of the bucket.
func (b *Bucket) Chunk(i int) Chunk { return b.chunks[i] }

// TotalSize returns the sum of the bucket's chunk sizes.
func (b *Bucket) TotalSize() int64 { return b.totalSize }

// PullURI computes the URL path under which this bucket can be
// fetched from a peer, of the form
//
//	/transfers/chunks/<id1>.<id2>...?offset=<o>&size=<n>&compression=<c>
//
// where offset is the first chunk's offset and size the bucket's total
// size. Empty buckets have no address and fail with kind errors.Fatal.
func (b *Bucket) PullURI(compression Compression) (string, error) {
	if len(b.chunks) == 0 {
		return "", errors.E("bucket.pulluri", errors.Fatal,
			errors.New("empty bucket"))
	}
	var w strings.Builder
	w.WriteString(URIChunks)
	w.WriteString("/")
	for i, c := range b.chunks {
		if i > 0 {
			w.WriteString(".")
		}
		w.WriteString(c.ID)
	}
	w.WriteString("?offset=")
	w.WriteString(strconv.FormatInt(b.chunks[0].Offset, 10))
	w.WriteString("&size=")
	w.WriteString(strconv.FormatInt(b.totalSize, 10))
	w.WriteString("&compression=")
	w.WriteString(compression.String())
	return w.String(), nil
}

// MarshalJSON renders the bucket as the array of its chunks.
func (b *Bucket) MarshalJSON() ([]byte, error) {
	chunks := b.chunks
	if chunks == nil {
		chunks = []Chunk{}
	}
	return json.Marshal(chunks)
}

// UnmarshalJSON restores a bucket from the array form produced by
// MarshalJSON. Restored buckets are sealed.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return errors.E("bucket.unmarshal", errors.BadFormat, err)
	}
	b.chunks = chunks
	b.totalSize = 0
	for _, c := range chunks {
		b.totalSize += c.Size
	}
	b.extensible = false
	return nil
}
