// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package filearchive implements a filesystem-backed host archive. It
// stores instance payloads in a sharded object directory named by
// their MD5 digest, and keeps a small persisted index mapping
// patient/study/series resources to their instances.
package filearchive

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

const indexFile = "index.json"

// An Archive is a filesystem-backed transfers.Archive rooted at a
// directory.
type Archive struct {
	root string
	log  *log.Logger

	mu        sync.Mutex
	resources map[string][]string

	write singleflight.Group
}

var _ transfers.Archive = (*Archive)(nil)

// New opens (creating if needed) the archive rooted at root.
func New(root string, log *log.Logger) (*Archive, error) {
	a := &Archive{root: root, log: log, resources: make(map[string][]string)}
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0777); err != nil {
		return nil, errors.E("filearchive.new", root, errors.WriteFile, err)
	}
	body, err := ioutil.ReadFile(filepath.Join(root, indexFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.E("filearchive.new", root, err)
	default:
		if err := json.Unmarshal(body, &a.resources); err != nil {
			return nil, errors.E("filearchive.new", root, errors.BadFormat, err)
		}
	}
	return a, nil
}

// path returns the directory and full path of the object with the
// given id.
func (a *Archive) path(id string) (dir, path string) {
	dir = filepath.Join(a.root, "objects", id[:2])
	return dir, filepath.Join(dir, id[2:])
}

// Put stores a payload and returns the instance id under which it was
// admitted: the hex MD5 of its content. Re-imports of existing
// content are deduplicated.
func (a *Archive) Put(ctx context.Context, body []byte) (string, error) {
	id := transfers.Digester.FromBytes(body).Hex()
	_, err, _ := a.write.Do(id, func() (interface{}, error) {
		dir, path := a.path(id)
		if _, err := os.Stat(path); err == nil {
			return nil, nil
		}
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.E("filearchive.put", id, errors.WriteFile, err)
		}
		temp, err := ioutil.TempFile(dir, "put.")
		if err != nil {
			return nil, errors.E("filearchive.put", id, errors.WriteFile, err)
		}
		defer os.Remove(temp.Name())
		if _, err := temp.Write(body); err != nil {
			temp.Close()
			return nil, errors.E("filearchive.put", id, errors.WriteFile, err)
		}
		if err := temp.Close(); err != nil {
			return nil, errors.E("filearchive.put", id, errors.WriteFile, err)
		}
		if err := os.Rename(temp.Name(), path); err != nil {
			return nil, errors.E("filearchive.put", id, errors.WriteFile, err)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Import implements transfers.Archive.
func (a *Archive) Import(ctx context.Context, body []byte) error {
	_, err := a.Put(ctx, body)
	return err
}

// Fetch implements transfers.Archive.
func (a *Archive) Fetch(ctx context.Context, id string) ([]byte, error) {
	if len(id) < 3 {
		return nil, errors.E("filearchive.fetch", id, errors.NotExist,
			errors.New("malformed instance id"))
	}
	_, path := a.path(id)
	body, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.E("filearchive.fetch", id, errors.NotExist, err)
	}
	if err != nil {
		return nil, errors.E("filearchive.fetch", id, err)
	}
	return body, nil
}

func resourceKey(level transfers.Level, id string) string {
	return string(level) + "/" + id
}

// Instances implements transfers.Archive.
func (a *Archive) Instances(ctx context.Context, level transfers.Level, id string) ([]string, error) {
	if level == transfers.Instance {
		if _, err := a.Fetch(ctx, id); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ids, ok := a.resources[resourceKey(level, id)]
	if !ok {
		a.log.Warnf("filearchive: missing %s: %s", level, id)
		return nil, errors.E("filearchive.instances", string(level), id, errors.NotExist,
			errors.New("unknown resource"))
	}
	return append([]string(nil), ids...), nil
}

// Link registers instanceIDs as members of the given resource,
// persisting the index.
func (a *Archive) Link(level transfers.Level, id string, instanceIDs ...string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := resourceKey(level, id)
	a.resources[key] = append(a.resources[key], instanceIDs...)
	body, err := json.Marshal(a.resources)
	if err != nil {
		return errors.E("filearchive.link", key, err)
	}
	temp, err := ioutil.TempFile(a.root, "index.")
	if err != nil {
		return errors.E("filearchive.link", key, errors.WriteFile, err)
	}
	defer os.Remove(temp.Name())
	if _, err := temp.Write(body); err != nil {
		temp.Close()
		return errors.E("filearchive.link", key, errors.WriteFile, err)
	}
	if err := temp.Close(); err != nil {
		return errors.E("filearchive.link", key, errors.WriteFile, err)
	}
	if err := os.Rename(temp.Name(), filepath.Join(a.root, indexFile)); err != nil {
		return errors.E("filearchive.link", key, errors.WriteFile, err)
	}
	return nil
}
