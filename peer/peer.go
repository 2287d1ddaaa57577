// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package peer implements the directory of configured peers of the
// transfers accelerator. A peer is a symbolic name resolving to the
// base URL of another archive node, optionally with credentials and a
// RemoteSelf property: the name under which that peer knows this
// node, which enables delegating sends as remote-initiated pulls.
package peer

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/retry"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
	"golang.org/x/net/context/ctxhttp"
)

// A Peer is one directory entry.
type Peer struct {
	// Name is the symbolic name under which this node addresses the peer.
	Name string
	// URL is the base URL of the peer's archive.
	URL string
	// Username and Password are optional basic-auth credentials.
	Username string
	Password string
	// RemoteSelf, when nonempty, is the peer's own name for this
	// node. Peers that omit it cannot validate originators in
	// pull-delegated sends; such lookups are silently accepted.
	RemoteSelf string
}

// A Directory resolves peer names and issues HTTP requests to peers.
// It implements httpq.Doer.
type Directory struct {
	peers  map[string]Peer
	client *http.Client
	log    *log.Logger
}

// NewDirectory returns a directory over the given peers.
func NewDirectory(peers []Peer, log *log.Logger) *Directory {
	d := &Directory{
		peers:  make(map[string]Peer, len(peers)),
		client: &http.Client{},
		log:    log,
	}
	for _, p := range peers {
		d.peers[p.Name] = p
	}
	return d
}

// WithTimeout returns a copy of the directory whose requests time out
// after the given duration.
func (d *Directory) WithTimeout(timeout time.Duration) *Directory {
	return &Directory{
		peers:  d.peers,
		client: &http.Client{Timeout: timeout},
		log:    d.log,
	}
}

// Lookup resolves a peer name.
func (d *Directory) Lookup(name string) (Peer, bool) {
	p, ok := d.peers[name]
	return p, ok
}

// Names returns the sorted names of all configured peers.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.peers))
	for name := range d.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Do issues a single HTTP request to the named peer: the request URL
// is the peer's base URL joined with uri. The response body is
// returned for successful requests; non-2xx statuses and transport
// failures are reported as errors of kind errors.Net. Do implements
// httpq.Doer.
func (d *Directory) Do(ctx context.Context, method, name, uri string, body []byte) ([]byte, error) {
	p, ok := d.Lookup(name)
	if !ok {
		return nil, errors.E("peer.do", name, errors.NotExist, errors.New("unknown peer"))
	}
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, strings.TrimSuffix(p.URL, "/")+uri, reader)
	if err != nil {
		return nil, errors.E("peer.do", name, uri, err)
	}
	switch method {
	case "POST":
		req.Header.Set("Content-Type", "application/json")
	case "PUT":
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if p.Username != "" {
		req.SetBasicAuth(p.Username, p.Password)
	}
	resp, err := ctxhttp.Do(ctx, d.client, req)
	if err != nil {
		switch err {
		case context.Canceled, context.DeadlineExceeded:
			return nil, errors.E("peer.do", name, uri, err)
		default:
			return nil, errors.E("peer.do", name, uri, errors.Net, err)
		}
	}
	defer resp.Body.Close()
	answer, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.E("peer.do", name, uri, errors.Net, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.E("peer.do", name, uri, errors.Net,
			errors.Errorf("peer returned status %s", resp.Status))
	}
	return answer, nil
}

// retryPolicy pauses one second between attempts, as many times as
// the retry budget allows.
func retryPolicy(maxRetries int) retry.Policy {
	return retry.MaxTries(retry.Backoff(time.Second, time.Second, 1), maxRetries+1)
}

// PostJSON posts req as JSON to the named peer at uri and unmarshals
// the reply into reply (which may be nil). Failed requests are
// retried after a one-second pause, up to maxRetries times.
func (d *Directory) PostJSON(ctx context.Context, name, uri string, req, reply interface{}, maxRetries int) error {
	body, err := marshal(req)
	if err != nil {
		return errors.E("peer.postjson", name, uri, err)
	}
	policy := retryPolicy(maxRetries)
	for retries := 0; ; retries++ {
		answer, err := d.Do(ctx, "POST", name, uri, body)
		if err == nil {
			if reply == nil {
				return nil
			}
			if err = unmarshal(answer, reply); err == nil {
				return nil
			}
			return errors.E("peer.postjson", name, uri, errors.Net, err)
		}
		if rerr := retry.Wait(ctx, policy, retries+1); rerr != nil {
			return errors.E("peer.postjson", name, uri, err)
		}
	}
}

// Delete issues a DELETE to the named peer at uri with the same retry
// behavior as PostJSON.
func (d *Directory) Delete(ctx context.Context, name, uri string, maxRetries int) error {
	policy := retryPolicy(maxRetries)
	for retries := 0; ; retries++ {
		_, err := d.Do(ctx, "DELETE", name, uri, nil)
		if err == nil {
			return nil
		}
		if rerr := retry.Wait(ctx, policy, retries+1); rerr != nil {
			return errors.E("peer.delete", name, uri, err)
		}
	}
}
