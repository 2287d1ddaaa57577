// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
)

func TestDo(t *testing.T) {
	ctx := context.Background()
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass
		gotContentType = r.Header.Get("Content-Type")
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("fine"))
		case "/boom":
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	dir := NewDirectory([]Peer{{
		Name:     "remote",
		URL:      srv.URL,
		Username: "alice",
		Password: "secret",
	}}, nil)

	answer, err := dir.Do(ctx, "POST", "remote", "/ok", []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(answer), "fine"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := gotAuth, "alice:secret"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := gotContentType, "application/json"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := dir.Do(ctx, "GET", "remote", "/boom", nil); !errors.Is(errors.Net, err) {
		t.Errorf("got %v, want Net", err)
	}
	if _, err := dir.Do(ctx, "GET", "nope", "/ok", nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestPostJSONRetries(t *testing.T) {
	ctx := context.Background()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"Status": "ok"})
	}))
	defer srv.Close()

	dir := NewDirectory([]Peer{{Name: "remote", URL: srv.URL}}, nil)
	var reply struct {
		Status string `json:"Status"`
	}
	if err := dir.PostJSON(ctx, "remote", "/x", map[string]int{"a": 1}, &reply, 2); err != nil {
		t.Fatal(err)
	}
	if got, want := reply.Status, "ok"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := atomic.LoadInt32(&calls), int32(3); got != want {
		t.Errorf("got %v calls, want %v", got, want)
	}

	// With no retry budget the first failure is final.
	atomic.StoreInt32(&calls, 0)
	if err := dir.PostJSON(ctx, "remote", "/x", nil, nil, 0); !errors.Is(errors.Net, err) {
		t.Errorf("got %v, want Net", err)
	}
}

func TestDetect(t *testing.T) {
	withPlugin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transfers.URIPlugins {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]string{"dicom-web", transfers.PluginName})
	}))
	defer withPlugin.Close()
	without := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"dicom-web"})
	}))
	defer without.Close()

	dir := NewDirectory([]Peer{
		{Name: "a", URL: withPlugin.URL},
		{Name: "b", URL: without.URL},
	}, nil)
	result, err := Detect(dir, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := result["a"], true; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := result["b"], false; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
