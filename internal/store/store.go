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

// Package store is the embedded append-only time-series. One background
// writer owns all writes; producers enqueue and never block on disk.
// Reads run concurrently under SQLite WAL journaling.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/ringqueue"
)

const (
	// DefaultQueueCapacity is Q: the in-memory sample queue bound.
	DefaultQueueCapacity = 10000
	// DefaultBatchSize is B: commit when this many samples are queued.
	DefaultBatchSize = 100
	// DefaultFlushInterval is F: commit at least this often.
	DefaultFlushInterval = 5 * time.Second

	// After this many consecutive commit failures the writer reopens its
	// connection; if that also fails the store degrades.
	reopenAfterFailures = 3
)

var (
	// ErrOverflow is returned by Append when the queue is full. The
	// caller decides whether to drop, meter or escalate.
	ErrOverflow = errkind.New(errkind.Transient, "store queue overflow")
	// ErrUnavailable is returned while the store is degraded after
	// repeated commit failures.
	ErrUnavailable = errkind.New(errkind.Transient, "store unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

type Options struct {
	Path          string
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	// Aggregator enables the multi-host schema: the hosts table, the
	// opaque baselines table and the (host, timestamp) index.
	Aggregator bool
	Logger     logs.StructuredLogger
}

func (o *Options) withDefaults() {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Logger == nil {
		o.Logger = logs.Default()
	}
}

type Stats struct {
	QueueDepth     int
	SamplesWritten uint64
	CommitFailures uint64
}

type Store struct {
	opts Options
	dsn  string

	dbMu sync.RWMutex
	db   *sql.DB

	queue *ringqueue.Queue[metric.Sample]

	degraded atomic.Bool
	closed   atomic.Bool

	samplesWritten atomic.Uint64
	commitFailures atomic.Uint64

	flushCh chan chan error
	kickCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Open opens or creates the database at opts.Path, migrates the schema
// and starts the background writer.
func Open(opts Options) (*Store, error) {
	opts.withDefaults()
	if opts.Path == "" {
		return nil, errkind.New(errkind.Config, "store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}

	dsn := opts.Path + "?_busy_timeout=5000"
	db, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(db, opts.Aggregator); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		opts:    opts,
		dsn:     dsn,
		db:      db,
		queue:   ringqueue.New[metric.Sample](opts.QueueCapacity),
		flushCh: make(chan chan error),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errkind.Wrap(errkind.Fatal, fmt.Errorf("%s: %w", pragma, err))
		}
	}
	return db, nil
}

// Append enqueues one sample. It never blocks on disk I/O.
func (s *Store) Append(sample metric.Sample) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.degraded.Load() {
		return ErrUnavailable
	}
	if err := s.queue.Push(sample); err != nil {
		return ErrOverflow
	}
	s.kick()
	return nil
}

// kick nudges the writer when the batch threshold is reached.
func (s *Store) kick() {
	if s.queue.Len() < s.opts.BatchSize {
		return
	}
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// AppendMany enqueues a batch. Either every sample is enqueued or none:
// the batch is rejected with ErrOverflow when it does not fit.
func (s *Store) AppendMany(samples []metric.Sample) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.degraded.Load() {
		return ErrUnavailable
	}
	if len(samples) == 0 {
		return nil
	}
	if s.queue.Len()+len(samples) > s.queue.Cap() {
		return ErrOverflow
	}
	for _, sample := range samples {
		if err := s.queue.Push(sample); err != nil {
			return ErrOverflow
		}
	}
	s.kick()
	return nil
}

// Flush blocks until every queued sample is durable or the timeout
// elapses.
func (s *Store) Flush(timeout time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case s.flushCh <- reply:
	case <-time.After(timeout):
		return errkind.New(errkind.Transient, "flush request timed out")
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(timeout):
		return errkind.New(errkind.Transient, "flush wait timed out")
	}
}

// Close drains the queue, commits the final batch and closes the
// database. Idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh

	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.db.Close()
}

func (s *Store) Stats() Stats {
	return Stats{
		QueueDepth:     s.queue.Len(),
		SamplesWritten: s.samplesWritten.Load(),
		CommitFailures: s.commitFailures.Load(),
	}
}

// Degraded reports whether the writer has given up until recovery.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// writerLoop is the single owner of all writes. It drains the queue and
// commits in one transaction when either the batch threshold or the
// flush interval is reached.
func (s *Store) writerLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	var pending []metric.Sample
	failures := 0

	commit := func() error {
		pending = append(pending, s.queue.PopBatch(s.opts.QueueCapacity)...)
		if len(pending) == 0 {
			return nil
		}
		if err := s.commitBatch(pending); err != nil {
			s.commitFailures.Add(1)
			failures++
			s.opts.Logger.Errorf("store: commit of %d samples failed (attempt %d): %v", len(pending), failures, err)
			if failures >= reopenAfterFailures {
				if rerr := s.reopen(); rerr != nil {
					s.degraded.Store(true)
					s.opts.Logger.Errorf("store: reopen failed, entering degraded state: %v", rerr)
				} else {
					failures = 0
					s.opts.Logger.Infof("store: connection reopened")
				}
			}
			return err
		}
		s.samplesWritten.Add(uint64(len(pending)))
		pending = pending[:0]
		failures = 0
		if s.degraded.CompareAndSwap(true, false) {
			s.opts.Logger.Infof("store: recovered from degraded state")
		}
		return nil
	}

	for {
		select {
		case <-s.stopCh:
			// Final drain; errors are logged, the process is exiting.
			if err := commit(); err != nil {
				s.opts.Logger.Errorf("store: final commit failed, %d samples lost: %v", len(pending), err)
			}
			return
		case reply := <-s.flushCh:
			reply <- commit()
		case <-ticker.C:
			commit()
		case <-s.kickCh:
			if s.queue.Len() >= s.opts.BatchSize {
				commit()
			}
		}
	}
}

func (s *Store) commitBatch(samples []metric.Sample) error {
	s.dbMu.RLock()
	db := s.db
	s.dbMu.RUnlock()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO metrics (timestamp, metric_type, host, tags, value)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sample := range samples {
		if _, err := stmt.Exec(sample.Timestamp, sample.Type, sample.Host, sample.Tags, sample.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) reopen() error {
	db, err := openDB(s.dsn)
	if err != nil {
		return err
	}
	s.dbMu.Lock()
	old := s.db
	s.db = db
	s.dbMu.Unlock()
	old.Close()
	return nil
}

// handle returns the database for read paths.
func (s *Store) handle() *sql.DB {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return s.db
}
