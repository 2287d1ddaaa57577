// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Transfersd runs one node of the transfers accelerator: it serves
// the accelerator's HTTP surface over a filesystem archive and
// executes pull and push jobs against the configured peers.
//
// Usage:
//
//	transfersd -config config.yaml [-listen addr] [-archive dir]
package main

import (
	"flag"
	"fmt"
	golog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/transfers/archive/filearchive"
	"github.com/grailbio/transfers/cache"
	"github.com/grailbio/transfers/config"
	"github.com/grailbio/transfers/job"
	"github.com/grailbio/transfers/log"
	"github.com/grailbio/transfers/peer"
	"github.com/grailbio/transfers/push"
	"github.com/grailbio/transfers/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		listen     = flag.String("listen", "", "HTTP listen address (overrides configuration)")
		root       = flag.String("archive", "", "archive root directory (overrides configuration)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}
	logger := log.New(golog.New(os.Stderr, "transfersd: ", golog.LstdFlags), level)

	if err := run(*configPath, *listen, *root, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, listen, root string, logger *log.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if root != "" {
		cfg.Archive = root
	}
	if cfg.Archive == "" {
		cfg.Archive = "archive"
	}

	arch, err := filearchive.New(cfg.Archive, logger)
	if err != nil {
		return err
	}
	instanceCache, err := cache.New(arch, cfg.CacheBytes(), logger)
	if err != nil {
		return err
	}
	dir := peer.NewDirectory(cfg.PeerList(), logger)
	jobs := job.NewScheduler(logger)

	var active *push.ActiveTransactions
	if n := cfg.MaxPushTransactions(); n > 0 {
		if active, err = push.NewActiveTransactions(arch, n, logger); err != nil {
			return err
		}
	}

	srv := server.New(arch, instanceCache, dir, jobs, active, server.Options{
		Threads:          cfg.Transfers.Threads,
		TargetBucketSize: cfg.TargetBucketSize(),
		MaxRetries:       cfg.Transfers.MaxHTTPRetries,
	}, logger)

	httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Print("shutting down")
		if active != nil {
			active.Close()
		}
		httpServer.Close()
	}()

	logger.Printf("serving the transfers accelerator on %s (originator %s)",
		cfg.Listen, srv.Originator())
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
