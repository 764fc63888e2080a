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
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/probe"
)

type captureSink struct {
	events []*alert.Event
	err    error
}

func (s *captureSink) Kind() string { return "capture" }

func (s *captureSink) Send(e *alert.Event) error {
	s.events = append(s.events, e)
	return s.err
}

func newTestEngine(t *testing.T, rules ...*alert.Rule) (*alert.Engine, *captureSink) {
	t.Helper()
	logger, _ := logs.Discard()
	engine := alert.NewEngine("web-1", logger)
	sink := &captureSink{}
	engine.RegisterSink("capture", sink)
	for _, r := range rules {
		r.Sinks = []string{"capture"}
	}
	engine.SetRules(rules)
	return engine, sink
}

func cpuRule(duration time.Duration) *alert.Rule {
	return &alert.Rule{
		Name:      "cpu-high",
		Metric:    "cpu.total_usage",
		Condition: alert.Above,
		Threshold: 50,
		Duration:  duration,
		Cooldown:  time.Minute,
		Severity:  alert.Critical,
	}
}

func cpuSample(value float64, ts int64) metric.Sample {
	return metric.Sample{Timestamp: ts, Type: "cpu.total_usage", Value: value}
}

func TestEngineFiresOnceWithCooldown(t *testing.T) {
	engine, sink := newTestEngine(t, cpuRule(3*time.Second))
	t0 := time.Unix(1000, 0)

	// Five breaching ticks 1s apart: one event once the duration is met,
	// then cooldown suppression.
	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)
	}
	assert.Equal(t, 1, len(sink.events))

	event := sink.events[0]
	assert.Equal(t, "cpu-high", event.RuleName)
	assert.Equal(t, "web-1", event.Hostname)
	assert.Equal(t, 75.0, event.ObservedValue)
	assert.Equal(t, alert.Critical, event.Severity)
	assert.Check(t, event.ID != "")

	// A minute of further breaches inside the cooldown: still one event.
	for i := 5; i < 60; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)
	}
	assert.Equal(t, 1, len(sink.events))
}

func TestEngineIgnoresOtherMetrics(t *testing.T) {
	engine, sink := newTestEngine(t, cpuRule(0))
	now := time.Unix(1000, 0)
	engine.IngestSamples([]metric.Sample{
		{Timestamp: now.Unix(), Type: "memory.usage_percent", Value: 99},
	}, now)
	assert.Equal(t, 0, len(sink.events))
}

func TestSinkFailureDoesNotAffectState(t *testing.T) {
	engine, sink := newTestEngine(t, cpuRule(0))
	sink.err = errors.New("remote down")
	now := time.Unix(1000, 0)

	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)
	assert.Equal(t, 1, len(sink.events))

	// The alert counts as fired: the cooldown holds even though the
	// sink failed.
	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix()+1)}, now.Add(time.Second))
	assert.Equal(t, 1, len(sink.events))
}

func procRule(processName string) *alert.Rule {
	return &alert.Rule{
		Name:        "proc-mem",
		Metric:      "process.memory_bytes",
		Condition:   alert.Above,
		Threshold:   1 << 20,
		Cooldown:    time.Minute,
		Severity:    alert.Warning,
		ProcessName: processName,
	}
}

func procEntry(pid int32, name string, rss uint64) probe.ProcessEntry {
	return probe.ProcessEntry{PID: pid, Name: name, ResidentBytes: rss}
}

func TestProcessRuleMatchesByName(t *testing.T) {
	engine, sink := newTestEngine(t, procRule("nginx"))
	now := time.Unix(1000, 0)

	engine.IngestProcesses([]probe.ProcessEntry{
		procEntry(1, "nginx", 2<<20),
		procEntry(2, "redis", 2<<20), // does not match the rule
	}, now)

	assert.Equal(t, 1, len(sink.events))
	assert.Equal(t, int32(1), sink.events[0].PID)
	assert.Equal(t, "nginx", sink.events[0].ProcessName)
}

func TestWildcardProcessRuleFiresPerPid(t *testing.T) {
	engine, sink := newTestEngine(t, procRule("*"))
	now := time.Unix(1000, 0)

	engine.IngestProcesses([]probe.ProcessEntry{
		procEntry(1, "nginx", 2<<20),
		procEntry(2, "redis", 2<<20),
		procEntry(3, "small", 1), // below threshold
	}, now)

	assert.Equal(t, 2, len(sink.events))
	pids := map[int32]bool{}
	for _, e := range sink.events {
		pids[e.PID] = true
	}
	assert.Check(t, pids[1] && pids[2])
}

func TestExitedPidInstanceDropped(t *testing.T) {
	engine, _ := newTestEngine(t, procRule("*"))
	now := time.Unix(1000, 0)

	engine.IngestProcesses([]probe.ProcessEntry{procEntry(1, "nginx", 2<<20)}, now)
	assert.Equal(t, 1, len(engine.ActiveInstances()))

	engine.IngestProcesses([]probe.ProcessEntry{procEntry(2, "redis", 1)}, now.Add(time.Second))
	for _, in := range engine.ActiveInstances() {
		assert.Check(t, in.PID != 1)
	}
}

func TestReloadPreservesTimersWhenIdentityUnchanged(t *testing.T) {
	engine, sink := newTestEngine(t, cpuRule(3*time.Second))
	t0 := time.Unix(1000, 0)

	// Arm the rule.
	engine.IngestSamples([]metric.Sample{cpuSample(75, t0.Unix())}, t0)
	assert.Equal(t, 0, len(sink.events))

	// Reload an identical rule set: the armed timer carries over and the
	// next breach past the duration fires.
	reloaded := cpuRule(3 * time.Second)
	reloaded.Sinks = []string{"capture"}
	engine.SetRules([]*alert.Rule{reloaded})

	now := t0.Add(3 * time.Second)
	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)
	assert.Equal(t, 1, len(sink.events))
}

func TestReloadResetsTimersWhenThresholdChanges(t *testing.T) {
	engine, sink := newTestEngine(t, cpuRule(3*time.Second))
	t0 := time.Unix(1000, 0)

	engine.IngestSamples([]metric.Sample{cpuSample(75, t0.Unix())}, t0)

	changed := cpuRule(3 * time.Second)
	changed.Threshold = 60 // identity changed: timers reset
	changed.Sinks = []string{"capture"}
	engine.SetRules([]*alert.Rule{changed})

	// Without the old timer this breach only arms.
	now := t0.Add(3 * time.Second)
	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)
	assert.Equal(t, 0, len(sink.events))
}

func TestActiveInstances(t *testing.T) {
	engine, _ := newTestEngine(t, cpuRule(time.Hour))
	now := time.Unix(1000, 0)
	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)

	instances := engine.ActiveInstances()
	assert.Equal(t, 1, len(instances))
	assert.Equal(t, "cpu-high", instances[0].RuleName)
	assert.Equal(t, "armed", instances[0].State)
	assert.Equal(t, 75.0, instances[0].LastObserved)
}

// closableSink is a sink that buffers work and must be flushed on
// shutdown, like the async webhook and log sinks.
type closableSink struct {
	captureSink
	closed bool
}

func (s *closableSink) Close() error {
	s.closed = true
	return nil
}

func TestCloseFlushesClosableSinks(t *testing.T) {
	logger, _ := logs.Discard()
	engine := alert.NewEngine("h", logger)
	buffered := &closableSink{}
	plain := &captureSink{}
	engine.RegisterSink("buffered", buffered)
	engine.RegisterSink("plain", plain)

	assert.NilError(t, engine.Close())
	assert.Check(t, buffered.closed)

	// The registry is empty afterwards: a late firing reaches nothing.
	rule := cpuRule(0)
	rule.Sinks = []string{"buffered", "plain"}
	engine.SetRules([]*alert.Rule{rule})
	now := time.Unix(1000, 0)
	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)
	assert.Equal(t, 0, len(buffered.events))
	assert.Equal(t, 0, len(plain.events))
}

func TestUnregisteredSinkIsLoggedNotFatal(t *testing.T) {
	logger, observed := logs.Discard()
	engine := alert.NewEngine("h", logger)
	rule := cpuRule(0)
	rule.Sinks = []string{"missing"}
	engine.SetRules([]*alert.Rule{rule})

	now := time.Unix(1000, 0)
	engine.IngestSamples([]metric.Sample{cpuSample(75, now.Unix())}, now)

	found := false
	for _, entry := range observed.All() {
		if entry.Level.String() == "warn" {
			found = true
		}
	}
	assert.Check(t, found)
}
