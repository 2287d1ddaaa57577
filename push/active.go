// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package push implements both halves of push transfers: the job that
// streams buckets to a peer, and the server-side registry of
// transactions being received. A transaction collects buckets into a
// staging area and is finalized atomically: committed into the
// archive, or discarded.
package push

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/download"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

type transaction struct {
	area        *download.Area
	buckets     []*transfers.Bucket
	compression transfers.Compression
}

func (t *transaction) store(bucketIndex int, body []byte) error {
	if bucketIndex < 0 || bucketIndex >= len(t.buckets) {
		return errors.E("push.store", errors.OutOfRange,
			errors.New("bucket index out of range"))
	}
	return t.area.WriteBucket(t.buckets[bucketIndex], body, t.compression)
}

// ActiveTransactions is the bounded registry of in-flight receiving
// transactions, keyed by uuid with LRU recency: when a new
// transaction does not fit, the least recently stored-to one is
// discarded.
type ActiveTransactions struct {
	archive transfers.Archive
	log     *log.Logger
	maxSize int

	mu    sync.Mutex
	index *simplelru.LRU
}

// NewActiveTransactions returns a registry admitting at most maxSize
// concurrent transactions.
func NewActiveTransactions(archive transfers.Archive, maxSize int, log *log.Logger) (*ActiveTransactions, error) {
	if maxSize <= 0 {
		return nil, errors.E("push.newactivetransactions", errors.OutOfRange,
			errors.New("transaction capacity must be positive"))
	}
	a := &ActiveTransactions{archive: archive, log: log, maxSize: maxSize}
	var err error
	if a.index, err = simplelru.NewLRU(maxSize+1, nil); err != nil {
		return nil, errors.E("push.newactivetransactions", errors.Fatal, err)
	}
	return a, nil
}

// Create allocates a staging area for the declared instances and
// registers a fresh transaction over it, discarding the oldest
// transaction if the registry is full. It returns the transaction's
// uuid.
func (a *ActiveTransactions) Create(instances []transfers.InstanceInfo, buckets []*transfers.Bucket, compression transfers.Compression) string {
	id := uuid.New().String()
	txn := &transaction{
		area:        download.New(instances, a.log),
		buckets:     buckets,
		compression: compression,
	}
	a.log.Printf("push: creating transaction to receive %d instances (%s): %s",
		len(instances), data.Size(txn.area.TotalSize()), id)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index.Len() == a.maxSize {
		if oldest, _, ok := a.index.RemoveOldest(); ok {
			a.log.Warnf("push: an inactive push transaction has been discarded: %s", oldest)
		}
	}
	a.index.Add(id, txn)
	return id
}

func (a *ActiveTransactions) lookup(id string) (*transaction, error) {
	v, ok := a.index.Get(id)
	if !ok {
		return nil, errors.E("push.lookup", id, errors.NotExist,
			errors.New("unknown push transaction"))
	}
	return v.(*transaction), nil
}

// Store writes one received bucket payload into the transaction's
// staging area and bumps the transaction's recency. Unknown uuids
// fail with kind errors.NotExist.
func (a *ActiveTransactions) Store(id string, bucketIndex int, body []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	txn, err := a.lookup(id)
	if err != nil {
		return err
	}
	return txn.store(bucketIndex, body)
}

// Commit verifies and imports the transaction's instances into the
// archive, then removes the transaction. On failure the transaction
// stays registered so the sender may still discard it explicitly.
func (a *ActiveTransactions) Commit(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	txn, err := a.lookup(id)
	if err != nil {
		return err
	}
	if err := txn.area.Commit(ctx, a.archive); err != nil {
		return err
	}
	a.index.Remove(id)
	return nil
}

// Discard drops the transaction without committing anything.
func (a *ActiveTransactions) Discard(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.lookup(id); err != nil {
		return err
	}
	a.index.Remove(id)
	return nil
}

// List returns the uuids of all outstanding transactions, sorted.
func (a *ActiveTransactions) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, a.index.Len())
	for _, key := range a.index.Keys() {
		ids = append(ids, key.(string))
	}
	sort.Strings(ids)
	return ids
}

// Close discards all outstanding transactions, logging each as a
// warning.
func (a *ActiveTransactions) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.index.Keys() {
		a.log.Warnf("push: discarding an uncommitted push transaction: %s", key)
	}
	a.index.Purge()
}
