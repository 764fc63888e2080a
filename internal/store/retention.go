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

package store

import (
	"time"

	"github.com/sysmon-dev/sysmon/internal/errkind"
)

// RetentionPolicy bounds how long samples are kept. Rollup replaces
// high-resolution rows with bucket averages: sub-minute rows older than
// MinuteAfter become per-minute rows, and sub-hour rows older than
// HourAfter become per-hour rows. The pass order is fixed (raw → minute
// → hour) and the whole pass is idempotent; the schedule is the
// caller's choice.
type RetentionPolicy struct {
	MaxAge time.Duration // delete raw samples older than this; 0 disables
	// Rollup thresholds; 0 disables the respective stage.
	MinuteAfter time.Duration
	HourAfter   time.Duration
}

// DefaultRetention keeps 30 days of samples with no rollup.
var DefaultRetention = RetentionPolicy{MaxAge: 30 * 24 * time.Hour}

// ApplyRetention runs one maintenance pass at the given instant and
// returns the number of raw rows deleted by age.
func (s *Store) ApplyRetention(policy RetentionPolicy, now time.Time) (int64, error) {
	var pruned int64
	if policy.MinuteAfter > 0 {
		if err := s.rollup(now.Add(-policy.MinuteAfter).Unix(), 60); err != nil {
			return 0, err
		}
	}
	if policy.HourAfter > 0 {
		if err := s.rollup(now.Add(-policy.HourAfter).Unix(), 3600); err != nil {
			return 0, err
		}
	}
	if policy.MaxAge > 0 {
		n, err := s.Prune(now.Add(-policy.MaxAge).Unix())
		if err != nil {
			return 0, err
		}
		pruned = n
	}
	return pruned, nil
}

// rollup replaces rows older than cutoff with per-bucket averages. Rows
// already aligned to the bucket boundary aggregate to themselves, which
// is what makes a second pass a no-op.
func (s *Store) rollup(cutoff int64, bucketSeconds int64) error {
	tx, err := s.handle().Begin()
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer tx.Rollback()

	// Materialize the buckets first; inserting while selecting from the
	// same table is undefined ground.
	if _, err := tx.Exec(`
		CREATE TEMP TABLE IF NOT EXISTS rollup_buckets (
			timestamp   INTEGER NOT NULL,
			metric_type TEXT NOT NULL,
			host        TEXT NOT NULL,
			tags        TEXT NOT NULL,
			value       REAL NOT NULL
		)`); err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	if _, err := tx.Exec(`DELETE FROM rollup_buckets`); err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO rollup_buckets (timestamp, metric_type, host, tags, value)
		SELECT (timestamp / ?) * ?, metric_type, host, tags, AVG(value)
		FROM metrics
		WHERE timestamp < ?
		GROUP BY (timestamp / ?), metric_type, host, tags`,
		bucketSeconds, bucketSeconds, cutoff, bucketSeconds); err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	if _, err := tx.Exec(`DELETE FROM metrics WHERE timestamp < ?`, cutoff); err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metrics (timestamp, metric_type, host, tags, value)
		SELECT timestamp, metric_type, host, tags, value FROM rollup_buckets`); err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	return errkind.Wrap(errkind.Transient, tx.Commit())
}
