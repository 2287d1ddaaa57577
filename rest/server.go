// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/log"
)

// A Node is a node in a REST resource tree. Each node can handle a
// call, or else walk to a child node by a path component.
type Node interface {
	// Walk returns the child node named by path, or nil if no such
	// child exists. Walk may report errors on the call directly.
	Walk(ctx context.Context, call *Call, path string) Node

	// Do services the call on this node.
	Do(ctx context.Context, call *Call)
}

// Mux is a Node that routes to child nodes by name.
type Mux map[string]Node

// Walk returns the child node registered under path.
func (m Mux) Walk(ctx context.Context, call *Call, path string) Node {
	return m[path]
}

// Do replies with a 404, as a Mux is not itself a resource.
func (m Mux) Do(ctx context.Context, call *Call) {
	call.NotFound()
}

// WalkFunc is an adapter to allow the use of a function as a Node
// that only walks.
type WalkFunc func(path string) Node

// Walk invokes the function.
func (f WalkFunc) Walk(ctx context.Context, call *Call, path string) Node {
	return f(path)
}

// Do replies with a 404.
func (f WalkFunc) Do(ctx context.Context, call *Call) {
	call.NotFound()
}

// DoFunc is an adapter to allow the use of a function as a leaf Node.
type DoFunc func(ctx context.Context, call *Call)

// Walk returns nil: a DoFunc has no children.
func (f DoFunc) Walk(ctx context.Context, call *Call, path string) Node {
	return nil
}

// Do invokes the function.
func (f DoFunc) Do(ctx context.Context, call *Call) {
	f(ctx, call)
}

// A Call represents an incoming call to be serviced. Calls provide
// replying and erroring conveniences; each call must be replied to at
// most once.
type Call struct {
	writer  http.ResponseWriter
	req     *http.Request
	log     *log.Logger
	replied bool
}

// Method returns the HTTP method of this call.
func (c *Call) Method() string { return c.req.Method }

// Header returns the request's headers.
func (c *Call) Header() http.Header { return c.req.Header }

// URL returns the full request URL, including its query string.
func (c *Call) URL() *url.URL { return c.req.URL }

// Body returns the request's body.
func (c *Call) Body() io.Reader { return c.req.Body }

// Done tells whether the call has been replied to.
func (c *Call) Done() bool { return c.replied }

// Allow admits a set of methods to this call. If the call's method is
// not among them, Allow replies with a 405 and returns false.
func (c *Call) Allow(methods ...string) bool {
	for _, m := range methods {
		if c.req.Method == m {
			return true
		}
	}
	c.Error(errors.E(c.req.Method, c.req.URL.Path, errors.NotAllowed))
	return false
}

// Unmarshal unmarshals the call's request body using Go's JSON
// decoder. On error, Unmarshal replies to the call with a BadFormat
// error and returns the error.
func (c *Call) Unmarshal(v interface{}) error {
	if err := json.NewDecoder(c.req.Body).Decode(v); err != nil {
		err = errors.E("unmarshal", c.req.URL.Path, errors.BadFormat, err)
		c.Error(err)
		return err
	}
	return nil
}

// NotFound replies to the call with a 404.
func (c *Call) NotFound() {
	c.Error(errors.E(c.req.Method, c.req.URL.Path, errors.NotExist))
}

// Error replies to the call with an error: the error's kind selects
// the HTTP status, and the error itself is marshalled as the JSON
// body.
func (c *Call) Error(err error) {
	if c.replied {
		return
	}
	e := errors.Recover(err)
	c.log.Errorf("%s %s: %s", c.req.Method, c.req.URL, e.ErrorSeparator(": "))
	c.reply(e.HTTPStatus(), e)
}

// Reply replies to the call with the given code; the reply body is
// the JSON-marshalled form of reply.
func (c *Call) Reply(code int, reply interface{}) {
	if c.replied {
		return
	}
	c.reply(code, reply)
}

// Write replies to the call with the given code and content type,
// streaming the reply body from r.
func (c *Call) Write(code int, contentType string, r io.Reader) {
	if c.replied {
		return
	}
	c.replied = true
	c.writer.Header().Set("Content-Type", contentType)
	c.writer.WriteHeader(code)
	if _, err := io.Copy(c.writer, r); err != nil {
		c.log.Errorf("%s %s: write: %v", c.req.Method, c.req.URL, err)
	}
}

func (c *Call) reply(code int, reply interface{}) {
	c.replied = true
	c.writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	c.writer.WriteHeader(code)
	if err := json.NewEncoder(c.writer).Encode(reply); err != nil {
		c.log.Errorf("%s %s: encode: %v", c.req.Method, c.req.URL, err)
	}
}

// Handler returns an http.Handler that serves requests by walking the
// node tree rooted at root with the request's path components and
// invoking Do on the final node.
func Handler(root Node, log *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := &Call{writer: w, req: r, log: log}
		ctx := r.Context()
		node := root
		for _, path := range strings.Split(strings.Trim(r.URL.Path, "/"), "/") {
			if path == "" {
				continue
			}
			node = node.Walk(ctx, call, path)
			if call.Done() {
				return
			}
			if node == nil {
				call.NotFound()
				return
			}
		}
		node.Do(ctx, call)
		if !call.Done() {
			call.Reply(http.StatusOK, nil)
		}
	})
}
