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

// Package config parses the agent configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "github.com/goccy/go-yaml"

	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/validate"
)

// Mode selects which pipelines the agent runs. In local mode the
// publisher is not started; in distributed mode the local store may be
// disabled; hybrid runs both.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeDistributed Mode = "distributed"
	ModeHybrid      Mode = "hybrid"
)

type Config struct {
	Mode                 Mode              `yaml:"mode" validate:"omitempty,oneof=local distributed hybrid"`
	CollectionIntervalMS int               `yaml:"collection_interval_ms" validate:"omitempty,min=100,max=60000"`
	Hostname             string            `yaml:"hostname"`
	Tags                 map[string]string `yaml:"tags"`

	AggregatorURL     string `yaml:"aggregator_url" validate:"omitempty,url"`
	AuthToken         string `yaml:"auth_token"`
	PushIntervalMS    int    `yaml:"push_interval_ms" validate:"omitempty,min=100"`
	QueueCapacity     int    `yaml:"queue_capacity" validate:"omitempty,min=1"`
	HTTPTimeoutMS     int    `yaml:"http_timeout_ms" validate:"omitempty,min=1"`
	RetryMaxAttempts  int    `yaml:"retry_max_attempts" validate:"omitempty,min=1"`
	RetryBaseDelayMS  int    `yaml:"retry_base_delay_ms" validate:"omitempty,min=1"`
	DisableLocalStore bool   `yaml:"disable_local_store"`

	Storage StorageConfig `yaml:"storage"`

	AlertRulesPath string `yaml:"alert_rules_path"`
	AlertLogPath   string `yaml:"alert_log_path"`
}

type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days" validate:"omitempty,min=1"`
	BatchSize     int    `yaml:"batch_size" validate:"omitempty,min=1"`
	FlushSeconds  int    `yaml:"flush_seconds" validate:"omitempty,min=1"`
}

// Defaults fills every unset field. Paths anchor under ~/.sysmon.
func (c *Config) Defaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.CollectionIntervalMS == 0 {
		c.CollectionIntervalMS = 1000
	}
	if c.PushIntervalMS == 0 {
		c.PushIntervalMS = 5000
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 1000
	}
	if c.HTTPTimeoutMS == 0 {
		c.HTTPTimeoutMS = 10000
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelayMS == 0 {
		c.RetryBaseDelayMS = 1000
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(homeDir(), ".sysmon", "data.db")
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushSeconds == 0 {
		c.Storage.FlushSeconds = 5
	}
	if c.AlertLogPath == "" {
		c.AlertLogPath = filepath.Join(homeDir(), ".sysmon", "alerts.log")
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// Load reads, parses and validates the agent configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	return Parse(raw)
}

// Parse validates the YAML body strictly: unknown fields are errors.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalWithOptions(raw, cfg, yaml.Strict(), yaml.Validator(validate.New())); err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	cfg.Defaults()
	if err := cfg.check(); err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	return cfg, nil
}

func (c *Config) check() error {
	if c.Mode == ModeDistributed || c.Mode == ModeHybrid {
		if c.AggregatorURL == "" {
			return fmt.Errorf("aggregator_url is required in %s mode", c.Mode)
		}
		if c.AuthToken == "" {
			return fmt.Errorf("auth_token is required in %s mode", c.Mode)
		}
	}
	if c.Mode == ModeLocal && c.DisableLocalStore {
		return fmt.Errorf("disable_local_store cannot be set in local mode")
	}
	return nil
}
