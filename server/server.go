// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package server implements the accelerator's HTTP surface: bucket
// serving, instance lookup, job submission, the push transaction
// lifecycle, delegated sends and peer discovery. The Server value
// collects the engine's services (archive, cache, peer directory, job
// scheduler, push registry) and mounts them as a rest.Node tree.
package server

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/limiter"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/cache"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/job"
	"github.com/grailbio/transfers/log"
	"github.com/grailbio/transfers/peer"
	"github.com/grailbio/transfers/pull"
	"github.com/grailbio/transfers/push"
	"github.com/grailbio/transfers/rest"
	"github.com/grailbio/transfers/scheduler"
)

// detectTimeout bounds each probe of a peer's plugin listing.
const detectTimeout = 2 * time.Second

// Options tunes the engine.
type Options struct {
	// Threads is the worker pool size, also bounding concurrent
	// chunk-serving clients.
	Threads int
	// TargetBucketSize is the planner's grouping threshold in bytes.
	TargetBucketSize int64
	// MaxRetries is the retry budget of each HTTP query.
	MaxRetries int
}

// A Server is one node's transfers accelerator engine.
type Server struct {
	archive    transfers.Archive
	cache      *cache.Cache
	dir        *peer.Directory
	jobs       *job.Scheduler
	active     *push.ActiveTransactions
	opts       Options
	originator string
	clients    *limiter.Limiter
	log        *log.Logger
}

// New assembles an engine. active may be nil, in which case the push
// endpoints are disabled.
func New(archive transfers.Archive, c *cache.Cache, dir *peer.Directory,
	jobs *job.Scheduler, active *push.ActiveTransactions, opts Options, log *log.Logger) *Server {
	s := &Server{
		archive:    archive,
		cache:      c,
		dir:        dir,
		jobs:       jobs,
		active:     active,
		opts:       opts,
		originator: uuid.New().String(),
		clients:    limiter.New(),
		log:        log,
	}
	s.clients.Release(opts.Threads)
	return s
}

// Originator returns this node's uuid, used to validate delegated
// pulls.
func (s *Server) Originator() string { return s.originator }

// Recover rebuilds a job from its type and serialized query, the hook
// handed to the external scheduler's unserializer.
func (s *Server) Recover(jobType string, serialized []byte) (*job.Job, error) {
	query, err := transfers.ParseTransferQuery(serialized)
	if err != nil {
		return nil, errors.E("server.recover", jobType, err)
	}
	switch jobType {
	case pull.JobType:
		return pull.New(query, s.dir, s.archive, s.opts.Threads,
			s.opts.TargetBucketSize, s.opts.MaxRetries, s.log)
	case push.JobType:
		return push.New(query, s.dir, s.cache, s.opts.Threads,
			s.opts.TargetBucketSize, s.opts.MaxRetries, s.log)
	}
	return nil, errors.E("server.recover", jobType, errors.NotExist,
		errors.New("unknown job type"))
}

// Node returns the server's REST resource tree.
func (s *Server) Node() rest.Node {
	accelerator := rest.Mux{
		"chunks": rest.WalkFunc(func(path string) rest.Node {
			ids := strings.Split(path, ".")
			return rest.DoFunc(func(ctx context.Context, call *rest.Call) {
				s.serveChunks(ctx, call, ids)
			})
		}),
		"lookup": rest.DoFunc(s.lookup),
		"pull":   rest.DoFunc(s.schedulePull),
		"send":   rest.DoFunc(s.scheduleSend),
		"peers":  rest.DoFunc(s.servePeers),
	}
	if s.active != nil {
		// With no push transactions allowed, the push URIs stay
		// disabled.
		accelerator["push"] = &pushNode{s}
	}
	return rest.Mux{
		"transfers": accelerator,
		"plugins":   rest.DoFunc(s.servePlugins),
		"jobs":      rest.WalkFunc(s.walkJob),
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return rest.Handler(s.Node(), s.log)
}

// sizeArg parses a nonnegative decimal GET argument.
func sizeArg(call *rest.Call, key string) (int64, error) {
	value := call.URL().Query().Get(key)
	if value == "" {
		return 0, nil
	}
	v, err := transfers.ParseSize(value)
	if err != nil {
		return 0, errors.E("sizearg", key, errors.OutOfRange, err)
	}
	return v, nil
}

// serveChunks streams a pull bucket: the requested byte range of the
// concatenation of the listed instances, optionally compressed. A
// size of zero means "to the end". Concurrent clients are bounded by
// the engine's thread count.
func (s *Server) serveChunks(ctx context.Context, call *rest.Call, ids []string) {
	if !call.Allow("GET") {
		return
	}
	offset, err := sizeArg(call, "offset")
	if err != nil {
		call.Error(err)
		return
	}
	size, err := sizeArg(call, "size")
	if err != nil {
		call.Error(err)
		return
	}
	compression := transfers.None
	if value := call.URL().Query().Get("compression"); value != "" {
		if compression, err = transfers.ParseCompression(value); err != nil {
			call.Error(err)
			return
		}
	}

	// Limit the number of concurrent chunk clients.
	if err := s.clients.Acquire(ctx, 1); err != nil {
		call.Error(errors.E("servechunks", err))
		return
	}
	defer s.clients.Release(1)

	var payload bytes.Buffer
	for _, id := range ids {
		if size != 0 && int64(payload.Len()) >= size {
			break
		}
		info, err := s.cache.GetInstanceInfo(ctx, id)
		if err != nil {
			call.Error(err)
			return
		}
		if offset >= info.Size {
			// The range starts past this instance.
			offset -= info.Size
			continue
		}
		toRead := info.Size - offset
		if size != 0 {
			if want := size - int64(payload.Len()); want < toRead {
				toRead = want
			}
		}
		chunk, _, err := s.cache.GetChunk(ctx, id, offset, toRead)
		if err != nil {
			call.Error(err)
			return
		}
		payload.Write(chunk)
		offset = 0
	}

	body, err := compression.Deflate(payload.Bytes())
	if err != nil {
		call.Error(err)
		return
	}
	contentType := "application/octet-stream"
	if compression == transfers.Gzip {
		contentType = "application/gzip"
	}
	call.Write(http.StatusOK, contentType, bytes.NewReader(body))
}

// lookup resolves a posted resource list into the instance list the
// peer should plan against, stamped with this node's originator.
func (s *Server) lookup(ctx context.Context, call *rest.Call) {
	if !call.Allow("POST") {
		return
	}
	var resources []transfers.Resource
	if call.Unmarshal(&resources) != nil {
		return
	}
	plan := scheduler.New()
	if err := plan.ParseResources(ctx, s.cache, resources); err != nil {
		call.Error(err)
		return
	}
	total := plan.TotalSize()
	call.Reply(http.StatusOK, map[string]interface{}{
		"Instances":      plan.ListInstances(),
		"Originator":     s.originator,
		"CountInstances": plan.NumInstances(),
		"TotalSize":      strconv.FormatInt(total, 10),
		"TotalSizeMB":    transfers.ToMegabytes(total),
	})
}

// jobReply is the submission answer of /pull and /send.
type jobReply struct {
	ID   string `json:"ID"`
	Path string `json:"Path"`
}

func (s *Server) submit(call *rest.Call, j *job.Job, priority int) {
	id := s.jobs.Submit(j, priority)
	call.Reply(http.StatusOK, jobReply{ID: id, Path: transfers.URIJobs + "/" + id})
}

func (s *Server) parseQuery(call *rest.Call) (transfers.TransferQuery, bool) {
	body, err := ioutil.ReadAll(call.Body())
	if err != nil {
		call.Error(errors.E("parsequery", errors.Net, err))
		return transfers.TransferQuery{}, false
	}
	query, err := transfers.ParseTransferQuery(body)
	if err != nil {
		call.Error(err)
		return transfers.TransferQuery{}, false
	}
	return query, true
}

// schedulePull submits a job pulling resources from a remote peer
// into this archive.
func (s *Server) schedulePull(ctx context.Context, call *rest.Call) {
	if !call.Allow("POST") {
		return
	}
	query, ok := s.parseQuery(call)
	if !ok {
		return
	}
	j, err := pull.New(query, s.dir, s.archive, s.opts.Threads,
		s.opts.TargetBucketSize, s.opts.MaxRetries, s.log)
	if err != nil {
		call.Error(err)
		return
	}
	s.submit(call, j, query.Priority)
}

// sendReply is the answer of a send delegated to the peer in pull
// mode.
type sendReply struct {
	Peer      string `json:"Peer"`
	RemoteJob string `json:"RemoteJob"`
	URL       string `json:"URL"`
}

// scheduleSend ships resources to a peer: as a remote-initiated pull
// when the peer advertises a name for this node (RemoteSelf), as a
// local push job otherwise.
func (s *Server) scheduleSend(ctx context.Context, call *rest.Call) {
	if !call.Allow("POST") {
		return
	}
	query, ok := s.parseQuery(call)
	if !ok {
		return
	}
	p, found := s.dir.Lookup(query.Peer)
	if !found {
		call.Error(errors.E("send", query.Peer, errors.NotExist, errors.New("unknown peer")))
		return
	}
	mode := "push"
	if p.RemoteSelf != "" {
		mode = "pull"
	}
	s.log.Printf("send: sending resources to peer %q using %s mode", query.Peer, mode)

	if p.RemoteSelf == "" {
		j, err := push.New(query, s.dir, s.cache, s.opts.Threads,
			s.opts.TargetBucketSize, s.opts.MaxRetries, s.log)
		if err != nil {
			call.Error(err)
			return
		}
		s.submit(call, j, query.Priority)
		return
	}

	remote := transfers.TransferQuery{
		Peer:        p.RemoteSelf,
		Resources:   query.Resources,
		Compression: query.Compression,
		Originator:  s.originator,
	}
	var answer jobReply
	err := s.dir.PostJSON(ctx, query.Peer, transfers.URIPull, remote, &answer, s.opts.MaxRetries)
	if err != nil || answer.ID == "" || answer.Path == "" {
		s.log.Errorf("send: cannot trigger a pull-mode send to peer %q "+
			"(check the remote logs, and that the peer has the accelerator enabled): %v",
			query.Peer, err)
		call.Error(errors.E("send", query.Peer, errors.Net,
			errors.New("peer did not accept the delegated pull")))
		return
	}
	call.Reply(http.StatusOK, sendReply{
		Peer:      query.Peer,
		RemoteJob: answer.ID,
		URL:       strings.TrimSuffix(p.URL, "/") + answer.Path,
	})
}

// servePeers probes every configured peer and classifies it as
// disabled, installed, or bidirectional.
func (s *Server) servePeers(ctx context.Context, call *rest.Call) {
	if !call.Allow("GET") {
		return
	}
	detected, err := peer.Detect(s.dir, s.opts.Threads, detectTimeout)
	if err != nil {
		call.Error(err)
		return
	}
	result := make(map[string]string, len(detected))
	for name, enabled := range detected {
		switch p, _ := s.dir.Lookup(name); {
		case !enabled:
			result[name] = "disabled"
		case p.RemoteSelf != "":
			result[name] = "bidirectional"
		default:
			result[name] = "installed"
		}
	}
	call.Reply(http.StatusOK, result)
}

// servePlugins advertises this node's plugin listing, probed by peers
// during detection.
func (s *Server) servePlugins(ctx context.Context, call *rest.Call) {
	if !call.Allow("GET") {
		return
	}
	call.Reply(http.StatusOK, []string{transfers.PluginName})
}

// jobStatus is the answer of GET /jobs/<id>.
type jobStatus struct {
	ID       string                 `json:"ID"`
	Type     string                 `json:"Type"`
	State    job.JobState           `json:"State"`
	Progress float64                `json:"Progress"`
	Content  map[string]interface{} `json:"Content"`
}

func (s *Server) walkJob(id string) rest.Node {
	return rest.DoFunc(func(ctx context.Context, call *rest.Call) {
		if !call.Allow("GET", "DELETE") {
			return
		}
		h, err := s.jobs.Lookup(id)
		if err != nil {
			call.Error(err)
			return
		}
		if call.Method() == "DELETE" {
			h.Cancel()
			call.Reply(http.StatusOK, nil)
			return
		}
		call.Reply(http.StatusOK, jobStatus{
			ID:       id,
			Type:     h.Type(),
			State:    h.State(),
			Progress: h.Progress(),
			Content:  h.Content(),
		})
	})
}

// pushNode serves POST /transfers/push (open a transaction) and walks
// to per-transaction nodes.
type pushNode struct{ server *Server }

func (n *pushNode) Do(ctx context.Context, call *rest.Call) {
	if !call.Allow("POST") {
		return
	}
	var manifest transfers.Manifest
	if call.Unmarshal(&manifest) != nil {
		return
	}
	id := n.server.active.Create(manifest.Instances, manifest.Buckets, manifest.Compression)
	call.Reply(http.StatusOK, jobReply{ID: id, Path: transfers.URIPush + "/" + id})
}

func (n *pushNode) Walk(ctx context.Context, call *rest.Call, path string) rest.Node {
	return &transactionNode{server: n.server, id: path}
}

// transactionNode serves one push transaction: PUT bucket payloads,
// POST commit, DELETE discard.
type transactionNode struct {
	server *Server
	id     string
}

func (n *transactionNode) Do(ctx context.Context, call *rest.Call) {
	if !call.Allow("DELETE") {
		return
	}
	if err := n.server.active.Discard(n.id); err != nil {
		call.Error(err)
		return
	}
	call.Reply(http.StatusOK, struct{}{})
}

func (n *transactionNode) Walk(ctx context.Context, call *rest.Call, path string) rest.Node {
	if path == "commit" {
		return rest.DoFunc(func(ctx context.Context, call *rest.Call) {
			if !call.Allow("POST") {
				return
			}
			if err := n.server.active.Commit(ctx, n.id); err != nil {
				call.Error(err)
				return
			}
			call.Reply(http.StatusOK, struct{}{})
		})
	}
	bucketIndex, err := strconv.Atoi(path)
	if err != nil {
		call.Error(errors.E("push.store", path, errors.NotExist,
			errors.New("bad bucket index")))
		return nil
	}
	return rest.DoFunc(func(ctx context.Context, call *rest.Call) {
		if !call.Allow("PUT") {
			return
		}
		body, err := ioutil.ReadAll(call.Body())
		if err != nil {
			call.Error(errors.E("push.store", n.id, errors.Net, err))
			return
		}
		if err := n.server.active.Store(n.id, bucketIndex, body); err != nil {
			call.Error(err)
			return
		}
		call.Reply(http.StatusOK, struct{}{})
	})
}
