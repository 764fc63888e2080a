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
	"database/sql"
	"fmt"

	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/metric"
)

const (
	// DefaultQueryLimit applies when the caller passes limit <= 0.
	DefaultQueryLimit = 100
	// MaxQueryLimit caps any range query.
	MaxQueryLimit = 10000
)

// QueryRange returns samples for metricType in [start, end] in ascending
// timestamp order, up to limit rows. host == "" matches any host.
func (s *Store) QueryRange(metricType string, start, end int64, limit int, host string) ([]metric.Sample, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	query := `SELECT timestamp, metric_type, host, tags, value
		FROM metrics
		WHERE metric_type = ? AND timestamp >= ? AND timestamp <= ?`
	args := []any{metricType, start, end}
	if host != "" {
		query += ` AND host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY timestamp ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.handle().Query(query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	defer rows.Close()

	var out []metric.Sample
	for rows.Next() {
		var sm metric.Sample
		if err := rows.Scan(&sm.Timestamp, &sm.Type, &sm.Host, &sm.Tags, &sm.Value); err != nil {
			return nil, errkind.Wrap(errkind.Transient, err)
		}
		out = append(out, sm)
	}
	return out, errkind.Wrap(errkind.Transient, rows.Err())
}

// QueryLatest returns the most recent sample for metricType, or nil when
// none exists. host == "" matches any host.
func (s *Store) QueryLatest(metricType, host string) (*metric.Sample, error) {
	query := `SELECT timestamp, metric_type, host, tags, value
		FROM metrics WHERE metric_type = ?`
	args := []any{metricType}
	if host != "" {
		query += ` AND host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY timestamp DESC LIMIT 1`

	var sm metric.Sample
	err := s.handle().QueryRow(query, args...).Scan(&sm.Timestamp, &sm.Type, &sm.Host, &sm.Tags, &sm.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	return &sm, nil
}

// AggregateFn names a bucket aggregation.
type AggregateFn string

const (
	AggAvg AggregateFn = "avg"
	AggMin AggregateFn = "min"
	AggMax AggregateFn = "max"
	AggSum AggregateFn = "sum"
)

func (fn AggregateFn) sqlExpr() (string, error) {
	switch fn {
	case AggAvg:
		return "AVG(value)", nil
	case AggMin:
		return "MIN(value)", nil
	case AggMax:
		return "MAX(value)", nil
	case AggSum:
		return "SUM(value)", nil
	}
	return "", errkind.New(errkind.Config, "unknown aggregate function %q", string(fn))
}

// BucketValue is one aggregation bucket keyed by its start timestamp.
type BucketValue struct {
	BucketTS int64
	Value    float64
}

// Aggregate buckets samples of metricType in [start, end] into
// bucketSeconds-wide windows and reduces each with fn.
func (s *Store) Aggregate(metricType string, start, end int64, bucketSeconds int64, fn AggregateFn) ([]BucketValue, error) {
	if bucketSeconds <= 0 {
		return nil, errkind.New(errkind.Config, "bucket size must be positive, got %d", bucketSeconds)
	}
	expr, err := fn.sqlExpr()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT (timestamp / ?) * ? AS bucket, %s
		FROM metrics
		WHERE metric_type = ? AND timestamp >= ? AND timestamp <= ?
		GROUP BY bucket ORDER BY bucket ASC`, expr)

	rows, err := s.handle().Query(query, bucketSeconds, bucketSeconds, metricType, start, end)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	defer rows.Close()

	var out []BucketValue
	for rows.Next() {
		var bv BucketValue
		if err := rows.Scan(&bv.BucketTS, &bv.Value); err != nil {
			return nil, errkind.Wrap(errkind.Transient, err)
		}
		out = append(out, bv)
	}
	return out, errkind.Wrap(errkind.Transient, rows.Err())
}

// MetricTypes lists the distinct metric names ever stored.
func (s *Store) MetricTypes() ([]string, error) {
	return s.stringColumn(`SELECT DISTINCT metric_type FROM metrics ORDER BY metric_type`)
}

// Hosts lists the distinct hosts with stored samples.
func (s *Store) Hosts() ([]string, error) {
	return s.stringColumn(`SELECT DISTINCT host FROM metrics WHERE host != '' ORDER BY host`)
}

func (s *Store) stringColumn(query string) ([]string, error) {
	rows, err := s.handle().Query(query)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errkind.Wrap(errkind.Transient, err)
		}
		out = append(out, v)
	}
	return out, errkind.Wrap(errkind.Transient, rows.Err())
}

// Prune deletes samples older than before and returns the deleted row
// count. Running it twice with the same argument deletes nothing the
// second time.
func (s *Store) Prune(before int64) (int64, error) {
	res, err := s.handle().Exec(`DELETE FROM metrics WHERE timestamp < ?`, before)
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
