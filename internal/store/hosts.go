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

	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/metric"
)

// HostDescriptor is one row of the aggregator's hosts table. Liveness
// is derived from LastSeen at query time, never stored.
type HostDescriptor struct {
	Hostname     string
	FirstSeen    int64
	LastSeen     int64
	Platform     string
	AgentVersion string
	Tags         string // compact form
}

// UpsertHost creates the descriptor on first ingest and refreshes
// last_seen, platform, version and tags afterwards. first_seen is
// write-once.
func (s *Store) UpsertHost(d HostDescriptor) error {
	_, err := s.handle().Exec(`
		INSERT INTO hosts (hostname, first_seen, last_seen, platform, agent_version, tags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			last_seen = excluded.last_seen,
			platform = excluded.platform,
			agent_version = excluded.agent_version,
			tags = excluded.tags`,
		d.Hostname, d.FirstSeen, d.LastSeen, d.Platform, d.AgentVersion, d.Tags)
	return errkind.Wrap(errkind.Transient, err)
}

// GetHost returns the descriptor, or nil when the host is unknown.
func (s *Store) GetHost(hostname string) (*HostDescriptor, error) {
	var d HostDescriptor
	err := s.handle().QueryRow(`
		SELECT hostname, first_seen, last_seen, platform, agent_version, tags
		FROM hosts WHERE hostname = ?`, hostname).
		Scan(&d.Hostname, &d.FirstSeen, &d.LastSeen, &d.Platform, &d.AgentVersion, &d.Tags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	return &d, nil
}

// ListHosts returns every descriptor ordered by hostname.
func (s *Store) ListHosts() ([]HostDescriptor, error) {
	rows, err := s.handle().Query(`
		SELECT hostname, first_seen, last_seen, platform, agent_version, tags
		FROM hosts ORDER BY hostname`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	defer rows.Close()

	var out []HostDescriptor
	for rows.Next() {
		var d HostDescriptor
		if err := rows.Scan(&d.Hostname, &d.FirstSeen, &d.LastSeen, &d.Platform, &d.AgentVersion, &d.Tags); err != nil {
			return nil, errkind.Wrap(errkind.Transient, err)
		}
		out = append(out, d)
	}
	return out, errkind.Wrap(errkind.Transient, rows.Err())
}

// CommitSync writes a batch in one transaction on the caller's
// goroutine, bypassing the background writer. The aggregator's ingest
// path uses it so a request is all-or-nothing; SQLite's busy timeout
// arbitrates with the background writer.
func (s *Store) CommitSync(samples []metric.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return errkind.Wrap(errkind.Transient, s.commitBatch(samples))
}
