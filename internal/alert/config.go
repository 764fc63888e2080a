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

package alert

import (
	"fmt"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"

	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/validate"
)

// Config is the parsed alert rule file. The loader rejects the entire
// file on any structural or referential error; there are no partial
// loads.
type Config struct {
	Global        GlobalConfig        `yaml:"global"`
	Notifications map[string]SinkSpec `yaml:"notifications"`
	Alerts        []RuleConfig        `yaml:"alerts" validate:"dive"`
	ProcessAlerts []ProcessRuleConfig `yaml:"process_alerts" validate:"dive"`
}

type GlobalConfig struct {
	CheckIntervalSeconds int   `yaml:"check_interval_seconds" validate:"omitempty,min=1"`
	CooldownSeconds      int   `yaml:"cooldown_seconds" validate:"omitempty,min=0"`
	Enabled              *bool `yaml:"enabled"`
}

// SinkSpec declares one notification sink. The kind-specific settings
// stay an opaque map here; internal/notify interprets them.
type SinkSpec struct {
	Kind    string            `yaml:"kind" validate:"required,oneof=log webhook email"`
	Enabled *bool             `yaml:"enabled"`
	Config  map[string]string `yaml:"config"`
}

func (s SinkSpec) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type RuleConfig struct {
	Name          string   `yaml:"name" validate:"required"`
	Description   string   `yaml:"description"`
	Metric        string   `yaml:"metric" validate:"required"`
	Condition     string   `yaml:"condition" validate:"required,oneof=above below equals"`
	Threshold     float64  `yaml:"threshold"`
	Duration      int      `yaml:"duration" validate:"min=0"`
	Severity      string   `yaml:"severity" validate:"required,oneof=info warning critical"`
	Notifications []string `yaml:"notifications"`
}

type ProcessRuleConfig struct {
	RuleConfig  `yaml:",inline"`
	ProcessName string `yaml:"process_name" validate:"required"`
}

const (
	defaultCheckIntervalSeconds = 5
	defaultCooldownSeconds      = 300
)

// LoadConfig parses and validates an alert rule file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses the YAML body, applies defaults and runs every
// structural and referential check.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalWithOptions(raw, cfg, yaml.Strict(), yaml.Validator(validate.New())); err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}

	if cfg.Global.CheckIntervalSeconds == 0 {
		cfg.Global.CheckIntervalSeconds = defaultCheckIntervalSeconds
	}
	if cfg.Global.CooldownSeconds == 0 {
		cfg.Global.CooldownSeconds = defaultCooldownSeconds
	}

	if err := cfg.check(); err != nil {
		return nil, errkind.Wrap(errkind.Config, err)
	}
	return cfg, nil
}

// check runs the referential validations: metric names, duplicate rule
// names and unknown sink references all reject the file.
func (c *Config) check() error {
	var errs *multierror.Error

	seen := map[string]bool{}
	checkRule := func(r RuleConfig) {
		if seen[r.Name] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate rule name %q", r.Name))
		}
		seen[r.Name] = true
		if err := metric.ValidateType(r.Metric); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
		for _, sink := range r.Notifications {
			spec, ok := c.Notifications[sink]
			if !ok {
				errs = multierror.Append(errs, fmt.Errorf("rule %q references unknown sink %q", r.Name, sink))
				continue
			}
			if !spec.IsEnabled() {
				errs = multierror.Append(errs, fmt.Errorf("rule %q references disabled sink %q", r.Name, sink))
			}
		}
	}
	for _, r := range c.Alerts {
		checkRule(r)
	}
	for _, r := range c.ProcessAlerts {
		checkRule(r.RuleConfig)
	}
	return errs.ErrorOrNil()
}

// Rules materializes the engine rule set. Every rule takes the global
// cooldown; rule entries carry no cooldown of their own.
func (c *Config) Rules() []*Rule {
	out := make([]*Rule, 0, len(c.Alerts)+len(c.ProcessAlerts))
	for _, rc := range c.Alerts {
		out = append(out, rc.rule(c.Global, ""))
	}
	for _, rc := range c.ProcessAlerts {
		out = append(out, rc.RuleConfig.rule(c.Global, rc.ProcessName))
	}
	return out
}

func (rc RuleConfig) rule(g GlobalConfig, processName string) *Rule {
	return &Rule{
		Name:        rc.Name,
		Description: rc.Description,
		Metric:      rc.Metric,
		Condition:   Condition(rc.Condition),
		Threshold:   rc.Threshold,
		Duration:    time.Duration(rc.Duration) * time.Second,
		Severity:    Severity(rc.Severity),
		Cooldown:    time.Duration(g.CooldownSeconds) * time.Second,
		Sinks:       append([]string(nil), rc.Notifications...),
		ProcessName: processName,
	}
}
