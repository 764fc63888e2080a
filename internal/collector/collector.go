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

// Package collector runs the sampling scheduler: tick, probe, fan out
// to the store, the alert engine and the publisher. Sinks are
// independent; a slow or failing sink never backs up the others.
package collector

import (
	"sync/atomic"
	"time"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/probe"
	"github.com/sysmon-dev/sysmon/internal/publisher"
	"github.com/sysmon-dev/sysmon/internal/store"
)

const (
	DefaultInterval = time.Second
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 60 * time.Second
	// DefaultProcessEvery samples the process table every Nth tick;
	// it is by far the most expensive family.
	DefaultProcessEvery = 5

	stopGrace = 5 * time.Second
)

type family int

const (
	famCPU family = iota
	famMemory
	famDisk
	famNetwork
	famProcess
	famCount
)

func (f family) String() string {
	return [...]string{"cpu", "memory", "disk", "network", "process"}[f]
}

type Options struct {
	Interval     time.Duration
	ProcessEvery int
	Hostname     string

	Probe     probe.Probe
	Store     *store.Store         // nil disables local storage
	Engine    *alert.Engine        // nil disables alerting
	Publisher *publisher.Publisher // nil disables publishing

	Logger logs.StructuredLogger
}

func (o *Options) withDefaults() {
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.Interval < MinInterval {
		o.Interval = MinInterval
	}
	if o.Interval > MaxInterval {
		o.Interval = MaxInterval
	}
	if o.ProcessEvery <= 0 {
		o.ProcessEvery = DefaultProcessEvery
	}
	if o.Logger == nil {
		o.Logger = logs.Default()
	}
}

type Stats struct {
	Ticks          uint64
	TickOverruns   uint64
	SamplesDropped uint64
}

type Collector struct {
	opts Options

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	ticks          atomic.Uint64
	tickOverruns   atomic.Uint64
	samplesDropped atomic.Uint64

	// Per-family probe error policy: permission failures log once and
	// suppress; unsupported families are disabled for the session.
	permLogged [famCount]bool
	disabled   [famCount]bool
}

func New(opts Options) *Collector {
	opts.withDefaults()
	return &Collector{opts: opts}
}

// Start launches the scheduler goroutine. Idempotent.
func (c *Collector) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop()
}

// Stop signals the scheduler and joins it within a bounded grace
// period, then flushes in-flight samples to the store. Idempotent.
func (c *Collector) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-time.After(stopGrace):
		c.opts.Logger.Warnf("collector: scheduler did not stop within %s, abandoning", stopGrace)
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.Flush(stopGrace); err != nil {
			c.opts.Logger.Errorf("collector: final flush failed: %v", err)
		}
	}
}

func (c *Collector) Stats() Stats {
	return Stats{
		Ticks:          c.ticks.Load(),
		TickOverruns:   c.tickOverruns.Load(),
		SamplesDropped: c.samplesDropped.Load(),
	}
}

func (c *Collector) loop() {
	defer close(c.doneCh)
	tick := uint64(0)
	for {
		t0 := time.Now()
		c.runTick(tick, t0)
		tick++
		c.ticks.Add(1)

		elapsed := time.Since(t0)
		if elapsed >= c.opts.Interval {
			// Overran: do not queue up lost ticks, just go again.
			c.tickOverruns.Add(1)
			c.opts.Logger.Warnf("collector: tick overran interval (%s > %s)", elapsed, c.opts.Interval)
			select {
			case <-c.stopCh:
				return
			default:
			}
			continue
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(c.opts.Interval - elapsed):
		}
	}
}

func (c *Collector) runTick(tick uint64, now time.Time) {
	var samples []metric.Sample
	host := c.opts.Hostname

	if cpuSnap := probeFamily(c, famCPU, c.opts.Probe.CPU); cpuSnap != nil {
		samples = append(samples, metric.FromCPU(cpuSnap, host)...)
	}
	if memSnap := probeFamily(c, famMemory, c.opts.Probe.Memory); memSnap != nil {
		samples = append(samples, metric.FromMemory(memSnap, host)...)
	}
	if disks := probeFamily(c, famDisk, c.opts.Probe.Disks); disks != nil {
		samples = append(samples, metric.FromDisks(disks, host)...)
	}
	if nets := probeFamily(c, famNetwork, c.opts.Probe.Networks); nets != nil {
		samples = append(samples, metric.FromNetworks(nets, host)...)
	}

	var procs []probe.ProcessEntry
	if tick%uint64(c.opts.ProcessEvery) == 0 {
		if entries := probeFamily(c, famProcess, c.opts.Probe.Processes); entries != nil {
			procs = entries
			samples = append(samples, metric.FromProcesses(entries, host)...)
		}
	}

	if c.opts.Store != nil && len(samples) > 0 {
		if err := c.opts.Store.AppendMany(samples); err != nil {
			// Dropping at the collector-store boundary is tolerated;
			// alerting and publishing continue with the same tick.
			c.samplesDropped.Add(uint64(len(samples)))
			if !errkind.Is(err, errkind.Transient) {
				c.opts.Logger.Errorf("collector: store append failed: %v", err)
			}
		}
	}

	if c.opts.Engine != nil {
		c.opts.Engine.IngestSamples(samples, now)
		if procs != nil {
			c.opts.Engine.IngestProcesses(procs, now)
		}
	}

	if c.opts.Publisher != nil && len(samples) > 0 {
		c.opts.Publisher.EnqueueMany(samples)
	}
}

// probeFamily invokes one accessor under the shared error policy:
// transient errors skip the tick, permission errors log once then
// suppress, unsupported families are disabled for the session.
func probeFamily[T any](c *Collector, f family, accessor func() (T, error)) T {
	var zero T
	if c.disabled[f] {
		return zero
	}
	snap, err := accessor()
	if err == nil {
		return snap
	}
	switch errkind.Of(err) {
	case errkind.Permission:
		if !c.permLogged[f] {
			c.permLogged[f] = true
			c.opts.Logger.Errorf("collector: permission denied reading %s metrics, family disabled: %v", f, err)
		}
		c.disabled[f] = true
	case errkind.NotSupported:
		c.disabled[f] = true
		c.opts.Logger.Warnf("collector: %s metrics not supported on this platform, family disabled", f)
	default:
		c.opts.Logger.Debugf("collector: transient %s probe error, skipping tick: %v", f, err)
	}
	return zero
}
