// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfers

import (
	"encoding/json"

	"github.com/grailbio/transfers/errors"
)

// Level designates the granularity of a resource in the host
// archive's patient/study/series/instance hierarchy.
type Level string

// The resource levels understood by the archive.
const (
	Patient  Level = "Patient"
	Study    Level = "Study"
	Series   Level = "Series"
	Instance Level = "Instance"
)

// ParseLevel parses the wire representation of a resource level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case Patient, Study, Series, Instance:
		return l, nil
	}
	return "", errors.E("parselevel", s, errors.OutOfRange,
		errors.New("unknown resource level"))
}

// A Resource identifies a set of instances in the host archive: a
// single instance, or a whole patient, study, or series.
type Resource struct {
	Level Level  `json:"Level"`
	ID    string `json:"ID"`
}

// UnmarshalJSON restores a resource, validating its level.
func (r *Resource) UnmarshalJSON(b []byte) error {
	var raw struct {
		Level string `json:"Level"`
		ID    string `json:"ID"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.E("resource.unmarshal", errors.BadFormat, err)
	}
	level, err := ParseLevel(raw.Level)
	if err != nil {
		return errors.E("resource.unmarshal", raw.ID, errors.BadFormat, err)
	}
	r.Level = level
	r.ID = raw.ID
	return nil
}

// A TransferQuery is the input of a transfer job: the peer to
// exchange with, the resources to ship, and the bucket compression to
// apply. Originator carries the uuid of the node that initiated the
// transfer when a send is delegated to the remote side in pull mode.
// A query is also a job's persisted state: jobs are recovered from
// their serialized query and rerun from scratch.
type TransferQuery struct {
	Peer        string      `json:"Peer"`
	Resources   []Resource  `json:"Resources"`
	Compression Compression `json:"Compression"`
	Originator  string      `json:"Originator,omitempty"`
	Priority    int         `json:"Priority,omitempty"`
}

// ParseTransferQuery parses the JSON body of a /pull or /send request,
// or a serialized job. Missing or mistyped fields fail with kind errors.BadFormat.
func ParseTransferQuery(body []byte) (TransferQuery, error) {
	var raw struct {
		Peer        *string     `json:"Peer"`
		Resources   *[]Resource `json:"Resources"`
		Compression *string     `json:"Compression"`
		Originator  string      `json:"Originator"`
		Priority    int         `json:"Priority"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return TransferQuery{}, errors.E("parsequery", errors.BadFormat, err)
	}
	if raw.Peer == nil || raw.Resources == nil || raw.Compression == nil {
		return TransferQuery{}, errors.E("parsequery", errors.BadFormat,
			errors.New(`missing "Peer", "Resources" or "Compression"`))
	}
	compression, err := ParseCompression(*raw.Compression)
	if err != nil {
		return TransferQuery{}, errors.E("parsequery", errors.BadFormat, err)
	}
	return TransferQuery{
		Peer:        *raw.Peer,
		Resources:   *raw.Resources,
		Compression: compression,
		Originator:  raw.Originator,
		Priority:    raw.Priority,
	}, nil
}

// A Manifest declares a push transaction to the receiving peer: the
// instances that will be reassembled, the buckets that will carry
// them, and the compression applied to each bucket payload.
type Manifest struct {
	Instances   []InstanceInfo `json:"Instances"`
	Buckets     []*Bucket      `json:"Buckets"`
	Compression Compression    `json:"Compression"`
}
