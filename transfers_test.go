// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfers

import (
	"encoding/json"
	"testing"

	"github.com/grailbio/transfers/errors"
)

func TestCompression(t *testing.T) {
	for _, c := range []Compression{None, Gzip} {
		parsed, err := ParseCompression(c.String())
		if err != nil {
			t.Fatal(err)
		}
		if got, want := parsed, c; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := ParseCompression("None"); !errors.Is(errors.OutOfRange, err) {
		t.Errorf("got %v, want OutOfRange", err)
	}
}

func TestDeflateInflate(t *testing.T) {
	payload := []byte("Hello, World!")
	for _, c := range []Compression{None, Gzip} {
		deflated, err := c.Deflate(payload)
		if err != nil {
			t.Fatal(err)
		}
		inflated, err := c.Inflate(deflated)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(inflated), string(payload); got != want {
			t.Errorf("%v: got %q, want %q", c, got, want)
		}
	}
}

func TestConversions(t *testing.T) {
	if got, want := ToKilobytes(2048), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ToKilobytes(1000), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ToKilobytes(500), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ToMegabytes(2048*1024), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ToMegabytes(1000*1024), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ToMegabytes(500*1024), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInstanceInfoJSON(t *testing.T) {
	info := NewInstanceInfo("d1", []byte("Hello"))
	b, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if got, want := raw["Size"], "5"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := len(raw["MD5"]), 32; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var restored InstanceInfo
	if err := json.Unmarshal(b, &restored); err != nil {
		t.Fatal(err)
	}
	if restored != info {
		t.Errorf("got %v, want %v", restored, info)
	}
}

func TestInstanceInfoBadSize(t *testing.T) {
	for _, body := range []string{
		`{"ID": "d1", "Size": 10, "MD5": "8b1a9953c4611296a827abf8c47804d7"}`,
		`{"ID": "d1", "Size": "ten", "MD5": "8b1a9953c4611296a827abf8c47804d7"}`,
		`{"ID": "d1", "Size": "-1", "MD5": "8b1a9953c4611296a827abf8c47804d7"}`,
		`{"ID": "d1", "Size": "10", "MD5": "nothex"}`,
	} {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(body), &info); !errors.Is(errors.BadFormat, err) {
			t.Errorf("%s: got %v, want BadFormat", body, err)
		}
	}
}

func instance(id string, size int64) InstanceInfo {
	return InstanceInfo{ID: id, Size: size, MD5: Digester.FromBytes([]byte(id))}
}

func TestBucketBasic(t *testing.T) {
	d1 := instance("d1", 10)
	d2 := instance("d2", 20)
	d3 := instance("d3", 30)
	d4 := instance("d4", 40)

	b := NewBucket()
	if got, want := b.TotalSize(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.NumChunks(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := b.AddChunk(d1, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d2, 0, 20); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d3, 0, 31); !errors.Is(errors.OutOfRange, err) {
		t.Errorf("got %v, want OutOfRange", err)
	}
	if err := b.AddChunk(d3, 1, 30); !errors.Is(errors.OutOfRange, err) {
		t.Errorf("got %v, want OutOfRange", err)
	}
	if err := b.AddChunk(d3, 0, 30); err != nil {
		t.Fatal(err)
	}
	if got, want := b.TotalSize(), int64(60); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.NumChunks(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, want := range []Chunk{
		{ID: "d1", Offset: 0, Size: 10},
		{ID: "d2", Offset: 0, Size: 20},
		{ID: "d3", Offset: 0, Size: 30},
	} {
		if got := b.Chunk(i); got != want {
			t.Errorf("chunk %d: got %v, want %v", i, got, want)
		}
	}
	uri, err := b.PullURI(None)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := uri, "/transfers/chunks/d1.d2.d3?offset=0&size=60&compression=none"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	uri, err = b.PullURI(Gzip)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := uri, "/transfers/chunks/d1.d2.d3?offset=0&size=60&compression=gzip"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	b.Clear()
	if got, want := b.TotalSize(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := b.PullURI(None); err == nil {
		t.Error("expected error on empty bucket")
	}

	// A leading partial chunk leaves the bucket extensible; a later
	// one seals it.
	b.Clear()
	if err := b.AddChunk(d1, 5, 5); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d2, 1, 7); !errors.Is(errors.OutOfRange, err) {
		t.Errorf("got %v, want OutOfRange", err)
	}
	if err := b.AddChunk(d2, 0, 20); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d3, 0, 7); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d4, 0, 10); !errors.Is(errors.BadSequence, err) {
		t.Errorf("got %v, want BadSequence", err)
	}
	if got, want := b.TotalSize(), int64(32); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	uri, err = b.PullURI(None)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := uri, "/transfers/chunks/d1.d2.d3?offset=5&size=32&compression=none"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBucketSerialization(t *testing.T) {
	d1 := instance("d1", 10)
	d2 := instance("d2", 20)
	d3 := instance("d3", 30)

	b := NewBucket()
	if err := b.AddChunk(d1, 5, 5); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d2, 0, 20); err != nil {
		t.Fatal(err)
	}
	if err := b.AddChunk(d3, 0, 7); err != nil {
		t.Fatal(err)
	}
	serialized, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	restored := new(Bucket)
	if err := json.Unmarshal(serialized, restored); err != nil {
		t.Fatal(err)
	}
	uri, err := restored.PullURI(None)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := uri, "/transfers/chunks/d1.d2.d3?offset=5&size=32&compression=none"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	// Restored buckets are sealed.
	if err := restored.AddChunk(d1, 0, 10); !errors.Is(errors.BadSequence, err) {
		t.Errorf("got %v, want BadSequence", err)
	}
}

func TestParseTransferQuery(t *testing.T) {
	query, err := ParseTransferQuery([]byte(`{
		"Peer": "remote",
		"Resources": [{"Level": "Study", "ID": "s1"}],
		"Compression": "gzip",
		"Originator": "1234",
		"Priority": 10
	}`))
	if err != nil {
		t.Fatal(err)
	}
	want := TransferQuery{
		Peer:        "remote",
		Resources:   []Resource{{Level: Study, ID: "s1"}},
		Compression: Gzip,
		Originator:  "1234",
		Priority:    10,
	}
	if got := query; got.Peer != want.Peer || got.Compression != want.Compression ||
		got.Originator != want.Originator || got.Priority != want.Priority ||
		len(got.Resources) != 1 || got.Resources[0] != want.Resources[0] {
		t.Errorf("got %+v, want %+v", got, want)
	}

	for _, body := range []string{
		`[]`,
		`{"Peer": "remote", "Compression": "gzip"}`,
		`{"Peer": "remote", "Resources": [], "Compression": "zstd"}`,
		`{"Peer": "remote", "Resources": [{"Level": "Volume", "ID": "x"}], "Compression": "none"}`,
	} {
		if _, err := ParseTransferQuery([]byte(body)); !errors.Is(errors.BadFormat, err) {
			t.Errorf("%s: got %v, want BadFormat", body, err)
		}
	}
}
