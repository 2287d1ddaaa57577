// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"

	"github.com/klauspost/compress/gzip"

	"github.com/grailbio/transfers/errors"
)

// Compression selects the encoding applied to bucket payloads on the
// wire.
type Compression int

const (
	// None ships bucket payloads verbatim.
	None Compression = iota
	// Gzip ships bucket payloads gzip-compressed.
	Gzip
)

// ParseCompression parses the wire representation of a compression
// method. Anything but "none" and "gzip" is rejected with kind
// errors.OutOfRange.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	}
	return None, errors.E("parsecompression", s, errors.OutOfRange,
		errors.New(`valid compression methods are "gzip" and "none"`))
}

// String returns the wire representation of the compression method.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	}
	return "unknown"
}

// MarshalJSON renders the compression method as its wire string.
func (c Compression) MarshalJSON() ([]byte, error) {
	switch c {
	case None, Gzip:
		return json.Marshal(c.String())
	}
	return nil, errors.E("compression.marshal", errors.OutOfRange,
		errors.New("unknown compression method"))
}

// UnmarshalJSON restores a compression method from its wire string.
func (c *Compression) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.E("compression.unmarshal", errors.BadFormat, err)
	}
	parsed, err := ParseCompression(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Deflate encodes a bucket payload for the wire.
func (c Compression) Deflate(body []byte) ([]byte, error) {
	switch c {
	case None:
		return body, nil
	case Gzip:
		var b bytes.Buffer
		w := gzip.NewWriter(&b)
		if _, err := w.Write(body); err != nil {
			return nil, errors.E("compression.deflate", err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.E("compression.deflate", err)
		}
		return b.Bytes(), nil
	}
	return nil, errors.E("compression.deflate", errors.OutOfRange,
		errors.New("unknown compression method"))
}

// Inflate decodes a bucket payload received from the wire.
func (c Compression) Inflate(body []byte) ([]byte, error) {
	switch c {
	case None:
		return body, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.E("compression.inflate", err)
		}
		inflated, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, errors.E("compression.inflate", err)
		}
		if err := r.Close(); err != nil {
			return nil, errors.E("compression.inflate", err)
		}
		return inflated, nil
	}
	return nil, errors.E("compression.inflate", errors.OutOfRange,
		errors.New("unknown compression method"))
}
