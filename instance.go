// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfers

import (
	"encoding/json"
	"strconv"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/transfers/errors"
)

// InstanceInfo describes one instance of the archive: an opaque
// identifier, the payload size in bytes, and the MD5 digest of the
// full payload. InstanceInfos are immutable and safe to copy.
type InstanceInfo struct {
	// ID is the archive's opaque identifier for the instance.
	ID string
	// Size is the length of the instance payload in bytes.
	Size int64
	// MD5 is the digest of the full payload.
	MD5 digest.Digest
}

// NewInstanceInfo computes an InstanceInfo for the given payload.
func NewInstanceInfo(id string, body []byte) InstanceInfo {
	return InstanceInfo{ID: id, Size: int64(len(body)), MD5: Digester.FromBytes(body)}
}

type instanceInfoJSON struct {
	ID   string `json:"ID"`
	Size string `json:"Size"`
	MD5  string `json:"MD5"`
}

// MarshalJSON renders the instance with its size as a decimal string.
func (i InstanceInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(instanceInfoJSON{
		ID:   i.ID,
		Size: strconv.FormatInt(i.Size, 10),
		MD5:  i.MD5.Hex(),
	})
}

// UnmarshalJSON restores an instance serialized by MarshalJSON. Sizes
// that fail to parse as nonnegative decimal integers are rejected with
// kind errors.BadFormat, as are malformed digests.
func (i *InstanceInfo) UnmarshalJSON(b []byte) error {
	var raw instanceInfoJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.E("instanceinfo.unmarshal", errors.BadFormat, err)
	}
	size, err := ParseSize(raw.Size)
	if err != nil {
		return errors.E("instanceinfo.unmarshal", raw.ID, err)
	}
	md5, err := Digester.Parse(raw.MD5)
	if err != nil {
		return errors.E("instanceinfo.unmarshal", raw.ID, errors.BadFormat, err)
	}
	i.ID = raw.ID
	i.Size = size
	i.MD5 = md5
	return nil
}

// A Chunk is a contiguous byte range within a single instance.
// Chunks never extend past the end of their instance.
type Chunk struct {
	// ID is the id of the instance the chunk belongs to.
	ID string
	// Offset is the position of the chunk's first byte.
	Offset int64
	// Size is the chunk length in bytes.
	Size int64
}

type chunkJSON struct {
	ID     string `json:"ID"`
	Offset string `json:"Offset"`
	Size   string `json:"Size"`
}

// MarshalJSON renders the chunk with its offset and size as decimal
// strings.
func (c Chunk) MarshalJSON() ([]byte, error) {
	return json.Marshal(chunkJSON{
		ID:     c.ID,
		Offset: strconv.FormatInt(c.Offset, 10),
		Size:   strconv.FormatInt(c.Size, 10),
	})
}

// UnmarshalJSON restores a chunk serialized by MarshalJSON.
func (c *Chunk) UnmarshalJSON(b []byte) error {
	var raw chunkJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.E("chunk.unmarshal", errors.BadFormat, err)
	}
	offset, err := ParseSize(raw.Offset)
	if err != nil {
		return errors.E("chunk.unmarshal", raw.ID, err)
	}
	size, err := ParseSize(raw.Size)
	if err != nil {
		return errors.E("chunk.unmarshal", raw.ID, err)
	}
	c.ID = raw.ID
	c.Offset = offset
	c.Size = size
	return nil
}

// ParseSize parses a size or offset transmitted as a decimal string.
// Negative values and nonnumeric input are rejected with kind
// errors.BadFormat.
func ParseSize(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.E("parsesize", s, errors.BadFormat, err)
	}
	if v < 0 {
		return 0, errors.E("parsesize", s, errors.BadFormat,
			errors.New("size must be nonnegative"))
	}
	return v, nil
}
