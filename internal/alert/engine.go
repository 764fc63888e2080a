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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/probe"
)

// Event is emitted on every Firing transition.
type Event struct {
	ID            string
	RuleName      string
	Description   string
	Metric        string
	Condition     Condition
	Threshold     float64
	Severity      Severity
	Hostname      string
	ObservedValue float64
	FiredAt       time.Time
	PID           int32  // 0 for whole-system rules
	ProcessName   string // empty for whole-system rules
	Message       string
}

// Sink delivers events. Implementations live in internal/notify; send
// failures are logged by the engine and never affect rule state.
type Sink interface {
	Kind() string
	Send(*Event) error
}

type instanceKey struct {
	rule string
	pid  int32
}

// Engine owns every rule instance and the registered sinks. Evaluation
// runs inline on the collector goroutine; the engine performs no I/O of
// its own.
type Engine struct {
	mu        sync.Mutex
	rules     []*Rule
	instances map[instanceKey]*Instance
	sinks     map[string]Sink
	hostname  string
	logger    logs.StructuredLogger
}

func NewEngine(hostname string, logger logs.StructuredLogger) *Engine {
	if logger == nil {
		logger = logs.Default()
	}
	return &Engine{
		instances: make(map[instanceKey]*Instance),
		sinks:     make(map[string]Sink),
		hostname:  hostname,
		logger:    logger,
	}
}

func (e *Engine) RegisterSink(name string, s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks[name] = s
}

func (e *Engine) UnregisterSink(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sinks, name)
}

// Close flushes and releases every registered sink. Sinks that buffer
// work (the asynchronous webhook worker, the rotating log file) expose
// Close; the rest have nothing to flush. The registry is emptied so a
// late firing cannot reach a closed sink.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs *multierror.Error
	for name, sink := range e.sinks {
		if closer, ok := sink.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("sink %q: %w", name, err))
			}
		}
		delete(e.sinks, name)
	}
	return errs.ErrorOrNil()
}

// SetRules replaces the rule set atomically. Instances whose rule
// identity (name, metric, threshold, condition, duration) is unchanged
// keep their state and timers; everything else resets.
func (e *Engine) SetRules(rules []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevIdentity := make(map[string]string, len(e.rules))
	for _, r := range e.rules {
		prevIdentity[r.Name] = r.identity()
	}

	keep := make(map[instanceKey]*Instance)
	for _, r := range rules {
		if prevIdentity[r.Name] != r.identity() {
			continue
		}
		for k, in := range e.instances {
			if k.rule == r.Name {
				keep[k] = in
			}
		}
	}
	e.rules = rules
	e.instances = keep
}

// Rules returns the current rule set.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules
}

// ActiveInstances reports every instance for query surfaces.
func (e *Engine) ActiveInstances() []InstanceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InstanceStatus, 0, len(e.instances))
	for k, in := range e.instances {
		out = append(out, InstanceStatus{
			RuleName:     k.rule,
			PID:          k.pid,
			State:        in.state.String(),
			ArmedAt:      in.armedAt,
			LastFiredAt:  in.lastFiredAt,
			LastObserved: in.lastObserved,
		})
	}
	return out
}

// IngestSamples evaluates the tick's whole-system samples against every
// system rule whose metric name matches. The collector delivers samples
// in tick order; the engine never reorders.
func (e *Engine) IngestSamples(samples []metric.Sample, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.rules {
		if r.PerProcess() {
			continue
		}
		for _, s := range samples {
			if s.Type != r.Metric {
				continue
			}
			e.observeLocked(r, 0, "", s.Value, now)
		}
	}
}

// IngestProcesses evaluates process rules against one process snapshot.
// A rule with ProcessName "*" matches every process; each matching pid
// gets its own instance.
func (e *Engine) IngestProcesses(entries []probe.ProcessEntry, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alive := make(map[int32]bool, len(entries))
	for _, entry := range entries {
		alive[entry.PID] = true
	}
	// Instances for exited pids are dropped; their timers are meaningless
	// once the process is gone.
	for k := range e.instances {
		if k.pid != 0 && !alive[k.pid] {
			delete(e.instances, k)
		}
	}

	for _, r := range e.rules {
		if !r.PerProcess() {
			continue
		}
		for i := range entries {
			entry := &entries[i]
			if r.ProcessName != "*" && r.ProcessName != entry.Name {
				continue
			}
			value, ok := processMetricValue(r.Metric, entry)
			if !ok {
				continue
			}
			e.observeLocked(r, entry.PID, entry.Name, value, now)
		}
	}
}

// processMetricValue maps a process-rule metric name onto an entry field.
func processMetricValue(name string, entry *probe.ProcessEntry) (float64, bool) {
	switch name {
	case "process.cpu_percent":
		return entry.CPUPercent, true
	case "process.memory_bytes":
		return float64(entry.ResidentBytes), true
	case "process.thread_count":
		return float64(entry.ThreadCount), true
	case "process.open_files":
		return float64(entry.OpenFiles), true
	}
	return 0, false
}

func (e *Engine) observeLocked(r *Rule, pid int32, procName string, value float64, now time.Time) {
	key := instanceKey{rule: r.Name, pid: pid}
	in := e.instances[key]
	if in == nil {
		in = &Instance{}
		e.instances[key] = in
	}
	if !in.Observe(r, value, now) {
		return
	}
	event := e.buildEvent(r, pid, procName, value, now)
	e.dispatchLocked(r, event)
}

func (e *Engine) buildEvent(r *Rule, pid int32, procName string, value float64, now time.Time) *Event {
	subject := e.hostname
	if pid != 0 {
		subject = fmt.Sprintf("%s pid %d (%s)", e.hostname, pid, procName)
	}
	return &Event{
		ID:            uuid.NewString(),
		RuleName:      r.Name,
		Description:   r.Description,
		Metric:        r.Metric,
		Condition:     r.Condition,
		Threshold:     r.Threshold,
		Severity:      r.Severity,
		Hostname:      e.hostname,
		ObservedValue: value,
		FiredAt:       now,
		PID:           pid,
		ProcessName:   procName,
		Message: fmt.Sprintf("%s: %s %s %g (observed %g) on %s",
			r.Name, r.Metric, r.Condition, r.Threshold, value, subject),
	}
}

// dispatchLocked sends the event to each sink named on the rule. A
// failing or unknown sink is logged; the alert counts as fired either
// way.
func (e *Engine) dispatchLocked(r *Rule, event *Event) {
	for _, name := range r.Sinks {
		sink, ok := e.sinks[name]
		if !ok {
			e.logger.Warnf("alert %q references unregistered sink %q", r.Name, name)
			continue
		}
		if err := sink.Send(event); err != nil {
			e.logger.Errorf("alert %q: sink %q (%s) failed: %v", r.Name, name, sink.Kind(), err)
		}
	}
}
