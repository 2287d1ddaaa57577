// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package archivetest provides an in-memory host archive for tests.
package archivetest

import (
	"context"
	"sync"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
)

// An Archive is an in-memory transfers.Archive. Instances carry
// caller-chosen ids; resources are registered with Link.
type Archive struct {
	mu        sync.Mutex
	instances map[string][]byte
	resources map[string][]string

	// Fetches counts Fetch calls per instance, for cache tests.
	Fetches map[string]int
}

var _ transfers.Archive = (*Archive)(nil)

// New returns an empty archive.
func New() *Archive {
	return &Archive{
		instances: make(map[string][]byte),
		resources: make(map[string][]string),
		Fetches:   make(map[string]int),
	}
}

// Add stores an instance under the given id and returns its
// descriptor.
func (a *Archive) Add(id string, body []byte) transfers.InstanceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instances[id] = append([]byte(nil), body...)
	return transfers.NewInstanceInfo(id, body)
}

// Link registers instanceIDs as members of the given resource.
func (a *Archive) Link(level transfers.Level, id string, instanceIDs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := string(level) + "/" + id
	a.resources[key] = append(a.resources[key], instanceIDs...)
}

// Imported returns every stored payload: imported ones keyed by MD5
// hex, and those stored with Add under the id given to Add.
func (a *Archive) Imported() map[string][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	imported := make(map[string][]byte)
	for id, body := range a.instances {
		imported[id] = append([]byte(nil), body...)
	}
	return imported
}

// Instances implements transfers.Archive.
func (a *Archive) Instances(ctx context.Context, level transfers.Level, id string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if level == transfers.Instance {
		if _, ok := a.instances[id]; !ok {
			return nil, errors.E("archivetest.instances", id, errors.NotExist,
				errors.New("unknown instance"))
		}
		return []string{id}, nil
	}
	ids, ok := a.resources[string(level)+"/"+id]
	if !ok {
		return nil, errors.E("archivetest.instances", id, errors.NotExist,
			errors.New("unknown resource"))
	}
	return append([]string(nil), ids...), nil
}

// Fetch implements transfers.Archive.
func (a *Archive) Fetch(ctx context.Context, id string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	body, ok := a.instances[id]
	if !ok {
		return nil, errors.E("archivetest.fetch", id, errors.NotExist,
			errors.New("unknown instance"))
	}
	a.Fetches[id]++
	return append([]byte(nil), body...), nil
}

// Import implements transfers.Archive: payloads are stored under
// their MD5 hex.
func (a *Archive) Import(ctx context.Context, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := transfers.Digester.FromBytes(body).Hex()
	a.instances[id] = append([]byte(nil), body...)
	return nil
}
