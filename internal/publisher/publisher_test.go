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

package publisher

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/metric"
)

// fakePoster fails the first failures posts, then succeeds.
type fakePoster struct {
	failures  int
	calls     int
	envelopes []*Envelope
}

func (f *fakePoster) post(env *Envelope) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("503 service unavailable")
	}
	f.envelopes = append(f.envelopes, env)
	return nil
}

func newTestPublisher(t *testing.T, opts Options, poster *fakePoster) *Publisher {
	t.Helper()
	logger, _ := logs.Discard()
	opts.Logger = logger
	if opts.Hostname == "" {
		opts.Hostname = "web-1"
	}
	opts.RetryBaseDelay = time.Millisecond
	p := New(opts)
	p.client = poster
	return p
}

func sampleN(n int) []metric.Sample {
	out := make([]metric.Sample, n)
	for i := range out {
		out[i] = metric.Sample{Timestamp: int64(i), Type: "m", Value: float64(i)}
	}
	return out
}

func TestPushSendsOneBatch(t *testing.T) {
	poster := &fakePoster{}
	p := newTestPublisher(t, Options{}, poster)
	p.EnqueueMany(sampleN(5))

	p.pushOnce()

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.BatchesSent)
	assert.Equal(t, uint64(5), stats.SamplesSent)
	assert.Equal(t, uint64(0), stats.BatchesDropped)
	assert.Equal(t, 0, stats.QueueDepth)

	assert.Equal(t, 1, len(poster.envelopes))
	env := poster.envelopes[0]
	assert.Equal(t, "web-1", env.Hostname)
	assert.Equal(t, 5, len(env.Metrics))
}

func TestPushRetriesThenSucceeds(t *testing.T) {
	// Two 503s then a 200: with three attempts the batch lands and
	// nothing is dropped.
	poster := &fakePoster{failures: 2}
	p := newTestPublisher(t, Options{RetryMaxAttempts: 3}, poster)
	p.EnqueueMany(sampleN(3))

	p.pushOnce()

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.BatchesSent)
	assert.Equal(t, uint64(0), stats.BatchesDropped)
	assert.Equal(t, 3, poster.calls)
	assert.Equal(t, "", stats.LastError)
}

func TestPushDropsAfterMaxAttempts(t *testing.T) {
	poster := &fakePoster{failures: 100}
	p := newTestPublisher(t, Options{RetryMaxAttempts: 3}, poster)
	p.EnqueueMany(sampleN(4))

	p.pushOnce()

	stats := p.Stats()
	assert.Equal(t, uint64(0), stats.BatchesSent)
	assert.Equal(t, uint64(1), stats.BatchesDropped)
	assert.Equal(t, uint64(4), stats.SamplesDropped)
	assert.Equal(t, 3, poster.calls)
	assert.Check(t, stats.LastError != "")
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	poster := &fakePoster{}
	p := newTestPublisher(t, Options{QueueCapacity: 10, BatchMax: 100}, poster)

	// 25 samples into a 10-deep queue while the worker is paused: the
	// 15 oldest are dropped, the most recent 10 survive.
	p.EnqueueMany(sampleN(25))

	stats := p.Stats()
	assert.Equal(t, uint64(25), stats.SamplesEnqueued)
	assert.Equal(t, uint64(15), stats.SamplesDropped)
	assert.Equal(t, uint64(15), stats.QueueOverflows)
	assert.Equal(t, 10, stats.QueueDepth)

	p.pushOnce()
	assert.Equal(t, 1, len(poster.envelopes))
	got := poster.envelopes[0].Metrics
	assert.Equal(t, 10, len(got))
	assert.Equal(t, int64(15), got[0].Timestamp)
	assert.Equal(t, int64(24), got[9].Timestamp)
}

func TestAccountingInvariant(t *testing.T) {
	poster := &fakePoster{failures: 3}
	p := newTestPublisher(t, Options{QueueCapacity: 8, RetryMaxAttempts: 2}, poster)

	p.EnqueueMany(sampleN(20))
	p.pushOnce() // fails both attempts, drops the batch
	p.pushOnce() // queue already drained: nothing to send

	stats := p.Stats()
	assert.Check(t, stats.SamplesSent+stats.SamplesDropped <= stats.SamplesEnqueued)
}

func TestBatchMaxBoundsEachPush(t *testing.T) {
	poster := &fakePoster{}
	p := newTestPublisher(t, Options{BatchMax: 4, QueueCapacity: 100}, poster)
	p.EnqueueMany(sampleN(10))

	p.pushOnce()
	p.pushOnce()
	p.pushOnce()

	assert.Equal(t, 3, len(poster.envelopes))
	assert.Equal(t, 4, len(poster.envelopes[0].Metrics))
	assert.Equal(t, 4, len(poster.envelopes[1].Metrics))
	assert.Equal(t, 2, len(poster.envelopes[2].Metrics))
}

func TestStartStopIdempotent(t *testing.T) {
	poster := &fakePoster{}
	p := newTestPublisher(t, Options{PushInterval: 10 * time.Millisecond}, poster)
	p.Start()
	p.Start()
	p.EnqueueMany(sampleN(2))
	time.Sleep(50 * time.Millisecond)
	p.Stop(time.Second)
	p.Stop(time.Second)

	stats := p.Stats()
	assert.Check(t, stats.SamplesSent >= 2)
}

func TestEnvelopeWireShape(t *testing.T) {
	env := NewEnvelope("web-1", map[string]string{"env": "prod"}, []metric.Sample{
		{Timestamp: 42, Type: "cpu.total_usage", Tags: "core=1", Value: 88.5},
	})
	assert.Equal(t, "web-1", env.Hostname)
	assert.Equal(t, "prod", env.Tags["env"])
	assert.Check(t, env.Platform != "")
	assert.Equal(t, 1, len(env.Metrics))
	assert.Equal(t, int64(42), env.Metrics[0].Timestamp)
	assert.Equal(t, "cpu.total_usage", env.Metrics[0].MetricType)
	assert.Equal(t, "core=1", env.Metrics[0].Tags)
	assert.Equal(t, 88.5, env.Metrics[0].Value)
}
