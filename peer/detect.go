// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/httpq"
	"github.com/grailbio/transfers/log"
)

var _ httpq.Doer = (*Directory)(nil)

// marshal and unmarshal adapt the JSON codec for PostJSON.
func marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}

// A detectQuery probes one peer's plugin listing for the transfers
// accelerator. Results are collected in a shared map; peers are
// reported absent until proven present.
type detectQuery struct {
	peer string
	log  *log.Logger

	mu     *sync.Mutex
	result map[string]bool
}

func (q *detectQuery) Method() string { return "GET" }
func (q *detectQuery) Peer() string   { return q.peer }
func (q *detectQuery) URI() string    { return transfers.URIPlugins }

func (q *detectQuery) ReadBody() ([]byte, error) {
	return nil, errors.E("detect.readbody", errors.Precondition,
		errors.New("GET queries have no body"))
}

func (q *detectQuery) HandleAnswer(body []byte) error {
	var plugins []string
	enabled := false
	if err := json.Unmarshal(body, &plugins); err == nil {
		for _, name := range plugins {
			if name == transfers.PluginName {
				enabled = true
			}
		}
	}
	q.mu.Lock()
	q.result[q.peer] = enabled
	q.mu.Unlock()
	if enabled {
		q.log.Printf("peer %q has the transfers accelerator enabled", q.peer)
	} else {
		q.log.Warnf("peer %q does *not* have the transfers accelerator enabled", q.peer)
	}
	return nil
}

// Detect probes every configured peer's plugin listing in parallel
// over threads workers, with the given per-request timeout, and
// reports which peers have the accelerator enabled. Unreachable peers
// are reported as disabled.
func Detect(d *Directory, threads int, timeout time.Duration) (map[string]bool, error) {
	var mu sync.Mutex
	result := make(map[string]bool)

	queue := httpq.NewQueue(d.WithTimeout(timeout), d.log)
	for _, name := range d.Names() {
		result[name] = false
		err := queue.Enqueue(&detectQuery{peer: name, log: d.log, mu: &mu, result: result})
		if err != nil {
			return nil, err
		}
	}
	runner, err := httpq.NewRunner(queue, threads)
	if err != nil {
		return nil, err
	}
	defer runner.Close()
	queue.Wait()
	return result, nil
}
