// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
)

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Transfers.Threads, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.TargetBucketSize(), int64(4096)*transfers.KB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.CacheBytes(), int64(512)*transfers.MB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.MaxPushTransactions(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Transfers.MaxHTTPRetries, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
Listen: ":9999"
Archive: /var/lib/transfers
Transfers:
  Threads: 8
  BucketSize: 1024
  MaxPushTransactions: 0
  MaxHttpRetries: 3
Peers:
  remote:
    Url: http://remote:8042
    Username: alice
    Password: secret
    RemoteSelf: self
`))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Listen, ":9999"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.Transfers.Threads, 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := c.TargetBucketSize(), int64(1024)*transfers.KB; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// CacheSize was absent and keeps its default.
	if got, want := c.Transfers.CacheSize, int64(512); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// An explicit zero disables push.
	if got, want := c.MaxPushTransactions(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	peers := c.PeerList()
	if got, want := len(peers), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	p := peers[0]
	if p.Name != "remote" || p.URL != "http://remote:8042" || p.Username != "alice" ||
		p.Password != "secret" || p.RemoteSelf != "self" {
		t.Errorf("got %+v", p)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse([]byte(`{`)); !errors.Is(errors.BadFormat, err) {
		t.Errorf("got %v, want BadFormat", err)
	}
	if _, err := Parse([]byte("Transfers:\n  Threads: -1\n")); !errors.Is(errors.OutOfRange, err) {
		t.Errorf("got %v, want OutOfRange", err)
	}
	if _, err := Parse([]byte("Peers:\n  remote:\n    Username: x\n")); !errors.Is(errors.BadFormat, err) {
		t.Errorf("got %v, want BadFormat", err)
	}
}
