// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config loads the accelerator's YAML configuration: the
// transfer tuning section and the peer directory.
package config

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/grailbio/transfers"
	"github.com/grailbio/transfers/errors"
	"github.com/grailbio/transfers/peer"
)

// Peer configures one remote node.
type Peer struct {
	// URL is the base URL of the peer's archive.
	URL string `yaml:"Url"`
	// Username and Password are optional basic-auth credentials.
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
	// RemoteSelf is the peer's own name for this node; setting it
	// enables delegating sends to that peer as pulls.
	RemoteSelf string `yaml:"RemoteSelf"`
}

// Transfers is the accelerator's tuning section.
type Transfers struct {
	// Threads is the HTTP worker pool size.
	Threads int `yaml:"Threads"`
	// BucketSize is the planner's grouping threshold in KB; the
	// separate threshold is twice this value.
	BucketSize int64 `yaml:"BucketSize"`
	// CacheSize is the instance cache capacity in MB.
	CacheSize int64 `yaml:"CacheSize"`
	// MaxPushTransactions caps concurrently received push
	// transactions; zero disables the push endpoints.
	MaxPushTransactions *int `yaml:"MaxPushTransactions"`
	// MaxHTTPRetries is the retry budget of each HTTP query.
	MaxHTTPRetries int `yaml:"MaxHttpRetries"`
}

// Config is the accelerator's full configuration.
type Config struct {
	// Listen is the HTTP listen address of the daemon.
	Listen string `yaml:"Listen"`
	// Archive is the root directory of the filesystem archive.
	Archive string `yaml:"Archive"`
	// Transfers tunes the engine.
	Transfers Transfers `yaml:"Transfers"`
	// Peers is the peer directory.
	Peers map[string]Peer `yaml:"Peers"`
}

// Default returns the configuration used when keys are absent:
// 4 workers, 4096 KB buckets, a 512 MB cache, 4 push transactions,
// and no retries.
func Default() Config {
	four := 4
	return Config{
		Listen: ":8042",
		Transfers: Transfers{
			Threads:             4,
			BucketSize:          4096,
			CacheSize:           512,
			MaxPushTransactions: &four,
			MaxHTTPRetries:      0,
		},
	}
}

// Parse parses a YAML configuration, filling in defaults for absent
// keys and validating ranges.
func Parse(body []byte) (Config, error) {
	c := Default()
	defaults := c.Transfers
	c.Transfers = Transfers{}
	if err := yaml.Unmarshal(body, &c); err != nil {
		return Config{}, errors.E("config.parse", errors.BadFormat, err)
	}
	if c.Transfers.Threads == 0 {
		c.Transfers.Threads = defaults.Threads
	}
	if c.Transfers.BucketSize == 0 {
		c.Transfers.BucketSize = defaults.BucketSize
	}
	if c.Transfers.CacheSize == 0 {
		c.Transfers.CacheSize = defaults.CacheSize
	}
	if c.Transfers.MaxPushTransactions == nil {
		c.Transfers.MaxPushTransactions = defaults.MaxPushTransactions
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	body, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.E("config.load", path, err)
	}
	return Parse(body)
}

func (c Config) validate() error {
	t := c.Transfers
	switch {
	case t.Threads < 0,
		t.BucketSize < 0,
		t.CacheSize < 0,
		*t.MaxPushTransactions < 0,
		t.MaxHTTPRetries < 0:
		return errors.E("config.validate", errors.OutOfRange,
			errors.New("configuration values must be nonnegative"))
	}
	for name, p := range c.Peers {
		if p.URL == "" {
			return errors.E("config.validate", name, errors.BadFormat,
				errors.New("peer without a Url"))
		}
	}
	return nil
}

// TargetBucketSize returns the planner's grouping threshold in bytes.
func (c Config) TargetBucketSize() int64 { return c.Transfers.BucketSize * transfers.KB }

// CacheBytes returns the instance cache capacity in bytes.
func (c Config) CacheBytes() int64 { return c.Transfers.CacheSize * transfers.MB }

// MaxPushTransactions returns the push registry capacity; zero
// disables push endpoints.
func (c Config) MaxPushTransactions() int { return *c.Transfers.MaxPushTransactions }

// PeerList renders the configured peers for the peer directory.
func (c Config) PeerList() []peer.Peer {
	peers := make([]peer.Peer, 0, len(c.Peers))
	for name, p := range c.Peers {
		peers = append(peers, peer.Peer{
			Name:       name,
			URL:        p.URL,
			Username:   p.Username,
			Password:   p.Password,
			RemoteSelf: p.RemoteSelf,
		})
	}
	return peers
}
