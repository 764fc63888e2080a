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
)

const schemaVersion = 1

// migrate brings the database to the current schema version. The
// baselines table is written by an external subsystem; migrations must
// preserve it but treat its rows as opaque.
func migrate(db *sql.DB, aggregator bool) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`); err != nil {
		return errkind.Wrap(errkind.Fatal, err)
	}

	var current int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return errkind.Wrap(errkind.Fatal, err)
	}
	if current > schemaVersion {
		return errkind.New(errkind.Config,
			"database schema version %d is newer than this binary supports (%d)", current, schemaVersion)
	}
	if current == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			timestamp   INTEGER NOT NULL,
			metric_type TEXT NOT NULL,
			host        TEXT NOT NULL DEFAULT '',
			tags        TEXT NOT NULL DEFAULT '',
			value       REAL NOT NULL,
			PRIMARY KEY (timestamp, metric_type, host, tags)
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_type_ts ON metrics (metric_type, timestamp)`,
		`CREATE TABLE IF NOT EXISTS baselines (
			key     TEXT NOT NULL PRIMARY KEY,
			payload BLOB
		)`,
	}
	if aggregator {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_metrics_host_ts ON metrics (host, timestamp)`,
			`CREATE TABLE IF NOT EXISTS hosts (
				hostname      TEXT NOT NULL PRIMARY KEY,
				first_seen    INTEGER NOT NULL,
				last_seen     INTEGER NOT NULL,
				platform      TEXT NOT NULL DEFAULT '',
				agent_version TEXT NOT NULL DEFAULT '',
				tags          TEXT NOT NULL DEFAULT ''
			)`,
		)
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return errkind.Wrap(errkind.Fatal, fmt.Errorf("migrate: %w", err))
		}
	}

	if current == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return errkind.Wrap(errkind.Fatal, err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
			return errkind.Wrap(errkind.Fatal, err)
		}
	}
	return errkind.Wrap(errkind.Fatal, tx.Commit())
}
