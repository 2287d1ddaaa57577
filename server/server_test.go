// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/archive/archivetest"
	"github.com/grailbio/transfers/cache"
	"github.com/grailbio/transfers/job"
	"github.com/grailbio/transfers/peer"
	"github.com/grailbio/transfers/pull"
	"github.com/grailbio/transfers/push"
)

// holder lets two test nodes point at each other before either
// engine exists.
type holder struct {
	mu sync.Mutex
	h  http.Handler
}

func (h *holder) set(handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.h = handler
}

func (h *holder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	handler := h.h
	h.mu.Unlock()
	if handler == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	handler.ServeHTTP(w, r)
}

type node struct {
	arch   *archivetest.Archive
	cache  *cache.Cache
	dir    *peer.Directory
	jobs   *job.Scheduler
	active *push.ActiveTransactions
	server *Server
	ts     *httptest.Server
}

func newNode(t *testing.T, h *holder, peers []peer.Peer, pushEnabled bool) *node {
	t.Helper()
	n := &node{arch: archivetest.New()}
	var err error
	if n.cache, err = cache.New(n.arch, 1<<20, nil); err != nil {
		t.Fatal(err)
	}
	n.dir = peer.NewDirectory(peers, nil)
	n.jobs = job.NewScheduler(nil)
	if pushEnabled {
		if n.active, err = push.NewActiveTransactions(n.arch, 4, nil); err != nil {
			t.Fatal(err)
		}
	}
	n.server = New(n.arch, n.cache, n.dir, n.jobs, n.active, Options{
		Threads:          3,
		TargetBucketSize: 8,
		MaxRetries:       0,
	}, nil)
	h.set(n.server.Handler())
	return n
}

// twoNodes builds nodes a and b that know each other by name. When
// bidirectional is set, a's entry for b carries RemoteSelf so sends
// are delegated as pulls.
func twoNodes(t *testing.T, bidirectional bool) (a, b *node, cleanup func()) {
	t.Helper()
	ha, hb := new(holder), new(holder)
	tsa, tsb := httptest.NewServer(ha), httptest.NewServer(hb)

	entryB := peer.Peer{Name: "b", URL: tsb.URL}
	if bidirectional {
		entryB.RemoteSelf = "a"
	}
	a = newNode(t, ha, []peer.Peer{entryB}, true)
	b = newNode(t, hb, []peer.Peer{{Name: "a", URL: tsa.URL}}, true)
	a.ts, b.ts = tsa, tsb
	return a, b, func() { tsa.Close(); tsb.Close() }
}

// seed populates an archive with a study of three instances: two
// small ones and one large enough to be split into several buckets.
func seed(t *testing.T, arch *archivetest.Archive) map[string][]byte {
	t.Helper()
	payloads := map[string][]byte{
		"i1": []byte("Hello"),
		"i2": []byte("World"),
		"i3": bytes.Repeat([]byte("0123456789"), 10),
	}
	for id, body := range payloads {
		arch.Add(id, body)
	}
	arch.Link(transfers.Study, "s1", "i1", "i2", "i3")
	return payloads
}

func postJSON(t *testing.T, url string, body interface{}) (int, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	answer, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, answer
}

func waitJob(t *testing.T, n *node, id string) job.JobState {
	t.Helper()
	h, err := n.jobs.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-h.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("job did not finish")
	}
	return h.State()
}

func checkImported(t *testing.T, arch *archivetest.Archive, payloads map[string][]byte) {
	t.Helper()
	imported := arch.Imported()
	for id, body := range payloads {
		key := transfers.Digester.FromBytes(body).Hex()
		if got, want := string(imported[key]), string(body); got != want {
			t.Errorf("instance %s: got %q, want %q", id, got, want)
		}
	}
}

func TestPullEndToEnd(t *testing.T) {
	for _, compression := range []string{"none", "gzip"} {
		a, b, cleanup := twoNodes(t, false)
		payloads := seed(t, b.arch)

		code, answer := postJSON(t, a.ts.URL+transfers.URIPull, map[string]interface{}{
			"Peer":        "b",
			"Resources":   []map[string]string{{"Level": "Study", "ID": "s1"}},
			"Compression": compression,
		})
		if code != http.StatusOK {
			t.Fatalf("got %v: %s", code, answer)
		}
		var reply struct{ ID, Path string }
		if err := json.Unmarshal(answer, &reply); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(reply.Path, transfers.URIJobs+"/") {
			t.Errorf("got path %q", reply.Path)
		}
		if got, want := waitJob(t, a, reply.ID), job.Succeeded; got != want {
			t.Fatalf("compression %s: got %v, want %v", compression, got, want)
		}
		checkImported(t, a.arch, payloads)

		// Job status is published over HTTP.
		resp, err := http.Get(a.ts.URL + reply.Path)
		if err != nil {
			t.Fatal(err)
		}
		var status struct {
			Type     string
			State    job.JobState
			Progress float64
			Content  map[string]interface{}
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got, want := status.Type, pull.JobType; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := status.State, job.Succeeded; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := status.Progress, 1.0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := status.Content["Peer"], "b"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		cleanup()
	}
}

func TestPullEmpty(t *testing.T) {
	a, b, cleanup := twoNodes(t, false)
	defer cleanup()
	b.arch.Link(transfers.Study, "empty")

	code, answer := postJSON(t, a.ts.URL+transfers.URIPull, map[string]interface{}{
		"Peer":        "b",
		"Resources":   []map[string]string{{"Level": "Study", "ID": "empty"}},
		"Compression": "none",
	})
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	var reply struct{ ID string }
	if err := json.Unmarshal(answer, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := waitJob(t, a, reply.ID), job.Succeeded; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPullUnknownPeer(t *testing.T) {
	a, _, cleanup := twoNodes(t, false)
	defer cleanup()
	code, _ := postJSON(t, a.ts.URL+transfers.URIPull, map[string]interface{}{
		"Peer":        "nope",
		"Resources":   []map[string]string{},
		"Compression": "none",
	})
	if got, want := code, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPullBadOriginator(t *testing.T) {
	a, b, cleanup := twoNodes(t, false)
	defer cleanup()
	seed(t, b.arch)
	code, answer := postJSON(t, a.ts.URL+transfers.URIPull, map[string]interface{}{
		"Peer":        "b",
		"Resources":   []map[string]string{{"Level": "Study", "ID": "s1"}},
		"Compression": "none",
		"Originator":  "not-the-real-originator",
	})
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	var reply struct{ ID string }
	if err := json.Unmarshal(answer, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := waitJob(t, a, reply.ID), job.Failed; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSendPushMode(t *testing.T) {
	a, b, cleanup := twoNodes(t, false)
	defer cleanup()
	payloads := seed(t, a.arch)

	code, answer := postJSON(t, a.ts.URL+transfers.URISend, map[string]interface{}{
		"Peer":        "b",
		"Resources":   []map[string]string{{"Level": "Study", "ID": "s1"}},
		"Compression": "gzip",
	})
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	var reply struct{ ID string }
	if err := json.Unmarshal(answer, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := waitJob(t, a, reply.ID), job.Succeeded; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	checkImported(t, b.arch, payloads)
	// The committed transaction is gone from the registry.
	if got, want := len(b.active.List()), 0; got != want {
		t.Errorf("got %v transactions, want %v", got, want)
	}
}

func TestSendPullMode(t *testing.T) {
	a, b, cleanup := twoNodes(t, true)
	defer cleanup()
	payloads := seed(t, a.arch)

	code, answer := postJSON(t, a.ts.URL+transfers.URISend, map[string]interface{}{
		"Peer":        "b",
		"Resources":   []map[string]string{{"Level": "Study", "ID": "s1"}},
		"Compression": "none",
	})
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	var reply struct{ Peer, RemoteJob, URL string }
	if err := json.Unmarshal(answer, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply.Peer, "b"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if reply.RemoteJob == "" || !strings.Contains(reply.URL, transfers.URIJobs) {
		t.Errorf("got %+v", reply)
	}
	// The transfer runs on b, pulling from a with a's originator
	// validated.
	if got, want := waitJob(t, b, reply.RemoteJob), job.Succeeded; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	checkImported(t, b.arch, payloads)
}

func TestChunks(t *testing.T) {
	_, b, cleanup := twoNodes(t, false)
	defer cleanup()
	seed(t, b.arch)

	get := func(uri string) (int, []byte) {
		resp, err := http.Get(b.ts.URL + uri)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, body
	}

	code, body := get(transfers.URIChunks + "/i1.i2?offset=0&size=10&compression=none")
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, body)
	}
	if got, want := string(body), "HelloWorld"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Ranges may start inside the first instance and span into the
	// next.
	code, body = get(transfers.URIChunks + "/i1.i2?offset=3&size=5&compression=none")
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, body)
	}
	if got, want := string(body), "loWor"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// A zero size means "to the end".
	code, body = get(transfers.URIChunks + "/i1.i2?offset=0&size=0&compression=none")
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, body)
	}
	if got, want := string(body), "HelloWorld"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Gzip responses inflate back to the payload.
	code, body = get(transfers.URIChunks + "/i1.i2?offset=0&size=10&compression=gzip")
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, body)
	}
	inflated, err := transfers.Gzip.Inflate(body)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(inflated), "HelloWorld"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// Bad arguments are rejected.
	code, _ = get(transfers.URIChunks + "/i1?offset=x&size=1&compression=none")
	if got, want := code, http.StatusBadRequest; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	code, _ = get(transfers.URIChunks + "/i1?offset=0&size=1&compression=zstd")
	if got, want := code, http.StatusBadRequest; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	code, _ = get(transfers.URIChunks + "/unknown?offset=0&size=1&compression=none")
	if got, want := code, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLookup(t *testing.T) {
	_, b, cleanup := twoNodes(t, false)
	defer cleanup()
	seed(t, b.arch)

	code, answer := postJSON(t, b.ts.URL+transfers.URILookup,
		[]map[string]string{{"Level": "Study", "ID": "s1"}})
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	var reply struct {
		Instances      []transfers.InstanceInfo
		Originator     string
		CountInstances int
		TotalSize      string
		TotalSizeMB    int64
	}
	if err := json.Unmarshal(answer, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := len(reply.Instances), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := reply.Originator, b.server.Originator(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := reply.CountInstances, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := reply.TotalSize, "110"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Unknown resources are rejected.
	code, _ = postJSON(t, b.ts.URL+transfers.URILookup,
		[]map[string]string{{"Level": "Series", "ID": "nope"}})
	if got, want := code, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPushLifecycleOverHTTP(t *testing.T) {
	_, b, cleanup := twoNodes(t, false)
	defer cleanup()

	body := []byte("Hello, World!")
	info := transfers.NewInstanceInfo("d1", body)
	bucket := transfers.NewBucket()
	if err := bucket.AddChunk(info, 0, info.Size); err != nil {
		t.Fatal(err)
	}
	code, answer := postJSON(t, b.ts.URL+transfers.URIPush, transfers.Manifest{
		Instances:   []transfers.InstanceInfo{info},
		Buckets:     []*transfers.Bucket{bucket},
		Compression: transfers.None,
	})
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	var reply struct{ ID, Path string }
	if err := json.Unmarshal(answer, &reply); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply.Path, transfers.URIPush+"/") {
		t.Fatalf("got path %q", reply.Path)
	}

	req, err := http.NewRequest("PUT", b.ts.URL+reply.Path+"/0", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}

	code, answer = postJSON(t, b.ts.URL+reply.Path+"/commit", nil)
	if code != http.StatusOK {
		t.Fatalf("got %v: %s", code, answer)
	}
	checkImported(t, b.arch, map[string][]byte{"d1": body})

	// Unknown transactions 404 on every verb.
	code, _ = postJSON(t, b.ts.URL+transfers.URIPush+"/nope/commit", nil)
	if got, want := code, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	req, err = http.NewRequest("DELETE", b.ts.URL+transfers.URIPush+"/nope", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPushDisabled(t *testing.T) {
	h := new(holder)
	ts := httptest.NewServer(h)
	defer ts.Close()
	newNode(t, h, nil, false)

	code, _ := postJSON(t, ts.URL+transfers.URIPush, transfers.Manifest{})
	if got, want := code, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPeers(t *testing.T) {
	a, _, cleanup := twoNodes(t, true)
	defer cleanup()

	resp, err := http.Get(a.ts.URL + transfers.URIPeers)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var reply map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply["b"], "bidirectional"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPeersDisabled(t *testing.T) {
	// A peer without the accelerator (404 on /plugins) is reported
	// disabled.
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer plain.Close()
	h := new(holder)
	ts := httptest.NewServer(h)
	defer ts.Close()
	newNode(t, h, []peer.Peer{{Name: "plain", URL: plain.URL}}, false)

	resp, err := http.Get(ts.URL + transfers.URIPeers)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var reply map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply["plain"], "disabled"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRecover(t *testing.T) {
	a, _, cleanup := twoNodes(t, false)
	defer cleanup()

	query := transfers.TransferQuery{
		Peer:        "b",
		Resources:   []transfers.Resource{{Level: transfers.Study, ID: "s1"}},
		Compression: transfers.Gzip,
	}
	serialized, err := json.Marshal(query)
	if err != nil {
		t.Fatal(err)
	}
	j, err := a.server.Recover(pull.JobType, serialized)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := j.Type(), pull.JobType; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := a.server.Recover("bogus", serialized); err == nil {
		t.Error("expected error for unknown job type")
	}
}
