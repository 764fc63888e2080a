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

package alert_test

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/errkind"
)

const validRules = `
global:
  check_interval_seconds: 5
  cooldown_seconds: 60

notifications:
  file:
    kind: log
    config:
      path: /tmp/alerts.log
  hook:
    kind: webhook
    enabled: true
    config:
      url: http://example.com/hook

alerts:
  - name: cpu-high
    description: sustained high cpu
    metric: cpu.total_usage
    condition: above
    threshold: 90
    duration: 30
    severity: critical
    notifications: [file, hook]

process_alerts:
  - name: any-proc-mem
    metric: process.memory_bytes
    condition: above
    threshold: 1073741824
    duration: 10
    severity: warning
    notifications: [file]
    process_name: "*"
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := alert.ParseConfig([]byte(validRules))
	assert.NilError(t, err)

	rules := cfg.Rules()
	assert.Equal(t, 2, len(rules))

	cpu := rules[0]
	assert.Equal(t, "cpu-high", cpu.Name)
	assert.Equal(t, alert.Above, cpu.Condition)
	assert.Equal(t, 30*time.Second, cpu.Duration)
	assert.Equal(t, 60*time.Second, cpu.Cooldown) // from global
	assert.Check(t, !cpu.PerProcess())

	proc := rules[1]
	assert.Equal(t, "*", proc.ProcessName)
	assert.Check(t, proc.PerProcess())
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := alert.ParseConfig([]byte(`
notifications:
  file:
    kind: log
    config: {path: /tmp/a.log}
alerts:
  - name: r
    metric: m.x
    condition: above
    threshold: 1
    severity: info
    notifications: [file]
`))
	assert.NilError(t, err)
	assert.Equal(t, 5, cfg.Global.CheckIntervalSeconds)
	assert.Equal(t, 300, cfg.Global.CooldownSeconds)
}

func TestRejectDuplicateRuleName(t *testing.T) {
	_, err := alert.ParseConfig([]byte(`
notifications:
  file: {kind: log, config: {path: /tmp/a.log}}
alerts:
  - name: dup
    metric: m.x
    condition: above
    threshold: 1
    severity: info
  - name: dup
    metric: m.y
    condition: below
    threshold: 2
    severity: info
`))
	assert.ErrorContains(t, err, "duplicate rule name")
	assert.Check(t, errkind.Is(err, errkind.Config))
}

func TestRejectUnknownSink(t *testing.T) {
	_, err := alert.ParseConfig([]byte(`
alerts:
  - name: r
    metric: m.x
    condition: above
    threshold: 1
    severity: info
    notifications: [nonexistent]
`))
	assert.ErrorContains(t, err, "unknown sink")
}

func TestRejectBadCondition(t *testing.T) {
	_, err := alert.ParseConfig([]byte(`
alerts:
  - name: r
    metric: m.x
    condition: way-above
    threshold: 1
    severity: info
`))
	assert.Assert(t, err != nil)
	assert.Check(t, errkind.Is(err, errkind.Config))
}

func TestRejectUnknownField(t *testing.T) {
	_, err := alert.ParseConfig([]byte(`
alerts:
  - name: r
    metric: m.x
    condition: above
    threshold: 1
    severity: info
    surprise_field: true
`))
	assert.Assert(t, err != nil)
}

func TestRejectMissingProcessName(t *testing.T) {
	_, err := alert.ParseConfig([]byte(`
process_alerts:
  - name: r
    metric: process.cpu_percent
    condition: above
    threshold: 1
    severity: info
`))
	assert.Assert(t, err != nil)
}
