// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transfers implements the core data model of the transfers
// accelerator: it defines instances (opaque archive files identified
// by an id, a size, and an MD5 digest), chunks (contiguous byte ranges
// of an instance), and buckets (ordered sets of chunks shipped as a
// single HTTP request). Sizes and offsets are exchanged as decimal
// strings on the wire so that 64-bit values survive JSON
// implementations that truncate large integers.
package transfers

import (
	"context"
	"crypto"
	_ "crypto/md5"

	"github.com/grailbio/base/digest"
)

// Digester is the digester used to verify instance content. The
// transfers protocol identifies content by its MD5 sum, rendered as 32
// hexadecimal digits.
var Digester = digest.Digester(crypto.MD5)

// URIPrefix is the path under which the accelerator mounts its HTTP
// surface on both peers.
const URIPrefix = "/transfers"

// URIs of the accelerator's endpoints, relative to the server root.
const (
	URIChunks = URIPrefix + "/chunks"
	URILookup = URIPrefix + "/lookup"
	URIPull   = URIPrefix + "/pull"
	URIPush   = URIPrefix + "/push"
	URISend   = URIPrefix + "/send"
	URIPeers  = URIPrefix + "/peers"

	// URIPlugins is the host archive's plugin listing, probed during
	// peer detection.
	URIPlugins = "/plugins"

	// URIJobs is the base path of submitted jobs in replies to
	// /pull and /send.
	URIJobs = "/jobs"
)

// PluginName is the name under which the accelerator advertises
// itself in the host archive's plugin listing.
const PluginName = "transfers"

// An Archive is the host archive in which instances are stored. The
// accelerator treats instance payloads as opaque bytes; the archive is
// responsible for expanding patient/study/series resources into
// instance lists and for admitting reassembled instances.
type Archive interface {
	// Instances expands the resource with the given level and id into
	// the ids of the instances it contains. It returns an error of
	// kind errors.NotExist if the resource is not in the archive.
	Instances(ctx context.Context, level Level, id string) ([]string, error)

	// Fetch retrieves the full payload of the instance with the
	// given id.
	Fetch(ctx context.Context, id string) ([]byte, error)

	// Import stores a reassembled instance into the archive.
	Import(ctx context.Context, body []byte) error
}
