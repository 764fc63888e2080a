// Copyright 2024 The sysmon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sysmon-dev/sysmon/internal/aggregator"
	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/store"
	"github.com/sysmon-dev/sysmon/internal/version"
)

var (
	addr          = flag.String("addr", ":8700", "listen address")
	dbPath        = flag.String("db", "", "database path; defaults to ~/.sysmon/aggregator.db")
	token         = flag.String("token", os.Getenv("SYSMON_TOKEN"), "shared ingest secret; $SYSMON_TOKEN")
	inactiveSecs  = flag.Int("inactive-threshold", 300, "seconds before a silent host counts as offline")
	retentionDays = flag.Int("retention-days", 30, "days of samples to keep")
	logPath       = flag.String("log", "", "log file; empty logs to stderr")
	showVer       = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.Version)
		return
	}
	if err := run(); err != nil {
		log.Fatalf("sysmon-aggregator: %v", err)
	}
}

func run() error {
	logger := logs.New(*logPath, 0)

	path := *dbPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".sysmon", "aggregator.db")
	}

	st, err := store.Open(store.Options{
		Path:       path,
		Aggregator: true,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := aggregator.NewServer(st, aggregator.Options{
		Addr:              *addr,
		AuthToken:         *token,
		InactiveThreshold: time.Duration(*inactiveSecs) * time.Second,
		Retention: store.RetentionPolicy{
			MaxAge:      time.Duration(*retentionDays) * 24 * time.Hour,
			MinuteAfter: 24 * time.Hour,
			HourAfter:   7 * 24 * time.Hour,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Infof("sysmon-aggregator %s serving on %s, store %s", version.Version, *addr, path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
