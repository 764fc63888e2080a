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

// Package publisher ships batched samples to the aggregator. The queue
// drops the oldest samples on overflow: monitoring data is
// lossy-tolerant and recent data is worth more than old.
package publisher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/ringqueue"
)

const (
	DefaultPushInterval   = 5 * time.Second
	DefaultBatchMax       = 100
	DefaultQueueCapacity  = 1000
	DefaultHTTPTimeout    = 10 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = time.Second
	maxRetryDelay         = 30 * time.Second
)

type Options struct {
	AggregatorURL string
	AuthToken     string
	Hostname      string
	HostTags      map[string]string

	PushInterval     time.Duration
	BatchMax         int
	QueueCapacity    int
	HTTPTimeout      time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	Logger logs.StructuredLogger
}

func (o *Options) withDefaults() {
	if o.PushInterval <= 0 {
		o.PushInterval = DefaultPushInterval
	}
	if o.BatchMax <= 0 {
		o.BatchMax = DefaultBatchMax
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = DefaultHTTPTimeout
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = DefaultRetryAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.Logger == nil {
		o.Logger = logs.Default()
	}
}

// Stats is the publisher's counter surface.
type Stats struct {
	QueueDepth      int
	SamplesEnqueued uint64
	SamplesSent     uint64
	SamplesDropped  uint64
	BatchesSent     uint64
	BatchesDropped  uint64
	QueueOverflows  uint64
	LastError       string
}

// Publisher owns its outbound queue and single worker goroutine
// exclusively. Enqueue never blocks on the network.
type Publisher struct {
	opts   Options
	queue  *ringqueue.Queue[metric.Sample]
	client poster

	samplesEnqueued atomic.Uint64
	samplesSent     atomic.Uint64
	samplesDropped  atomic.Uint64
	batchesSent     atomic.Uint64
	batchesDropped  atomic.Uint64
	queueOverflows  atomic.Uint64

	errMu     sync.Mutex
	lastError string

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// poster abstracts the HTTP transport for tests.
type poster interface {
	post(envelope *Envelope) error
}

func New(opts Options) *Publisher {
	opts.withDefaults()
	p := &Publisher{
		opts:   opts,
		queue:  ringqueue.New[metric.Sample](opts.QueueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.client = newHTTPPoster(opts.AggregatorURL, opts.AuthToken, opts.HTTPTimeout)
	return p
}

// Start launches the worker. Idempotent.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		go p.worker()
	})
}

// Stop drains the remaining queue for the grace period, then exits.
// Idempotent.
func (p *Publisher) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	select {
	case <-p.doneCh:
	case <-time.After(grace):
		p.opts.Logger.Warnf("publisher: worker did not drain within %s, abandoning", grace)
	}
}

// Enqueue adds one sample, evicting the oldest on overflow.
func (p *Publisher) Enqueue(sample metric.Sample) {
	p.samplesEnqueued.Add(1)
	if evicted := p.queue.PushEvict(sample); evicted > 0 {
		p.queueOverflows.Add(1)
		p.samplesDropped.Add(uint64(evicted))
	}
}

// EnqueueMany adds a tick's samples.
func (p *Publisher) EnqueueMany(samples []metric.Sample) {
	for _, s := range samples {
		p.Enqueue(s)
	}
}

func (p *Publisher) Stats() Stats {
	p.errMu.Lock()
	lastErr := p.lastError
	p.errMu.Unlock()
	return Stats{
		QueueDepth:      p.queue.Len(),
		SamplesEnqueued: p.samplesEnqueued.Load(),
		SamplesSent:     p.samplesSent.Load(),
		SamplesDropped:  p.samplesDropped.Load(),
		BatchesSent:     p.batchesSent.Load(),
		BatchesDropped:  p.batchesDropped.Load(),
		QueueOverflows:  p.queueOverflows.Load(),
		LastError:       lastErr,
	}
}

func (p *Publisher) setLastError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if err == nil {
		p.lastError = ""
		return
	}
	p.lastError = err.Error()
}

func (p *Publisher) worker() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			// Final drain: one attempt per remaining batch, no retries;
			// the process is leaving.
			for {
				batch := p.queue.PopBatch(p.opts.BatchMax)
				if len(batch) == 0 {
					return
				}
				if err := p.client.post(p.envelope(batch)); err != nil {
					p.setLastError(err)
					p.batchesDropped.Add(1)
					p.samplesDropped.Add(uint64(p.queue.Len() + len(batch)))
					return
				}
				p.batchesSent.Add(1)
				p.samplesSent.Add(uint64(len(batch)))
			}
		case <-ticker.C:
			p.pushOnce()
		}
	}
}

// pushOnce drains one batch and sends it, retrying with exponential
// backoff and jitter. After the attempt budget the batch is discarded
// and counted.
func (p *Publisher) pushOnce() {
	batch := p.queue.PopBatch(p.opts.BatchMax)
	if len(batch) == 0 {
		return
	}

	bf := backoff.NewExponentialBackOff()
	bf.InitialInterval = p.opts.RetryBaseDelay
	bf.Multiplier = 2
	bf.MaxInterval = maxRetryDelay
	bf.RandomizationFactor = 1 // full jitter
	bf.MaxElapsedTime = 0
	bf.Reset()

	env := p.envelope(batch)
	var lastErr error
	for attempt := 1; attempt <= p.opts.RetryMaxAttempts; attempt++ {
		lastErr = p.client.post(env)
		if lastErr == nil {
			p.batchesSent.Add(1)
			p.samplesSent.Add(uint64(len(batch)))
			p.setLastError(nil)
			return
		}
		p.setLastError(lastErr)
		if attempt == p.opts.RetryMaxAttempts {
			break
		}
		select {
		case <-time.After(bf.NextBackOff()):
		case <-p.stopCh:
			// Requeue ahead of newer samples so the shutdown drain gets
			// one more shot; eviction is bounded by the queue.
			p.requeue(batch)
			return
		}
	}

	p.opts.Logger.Errorf("publisher: dropping batch of %d samples after %d attempts: %v",
		len(batch), p.opts.RetryMaxAttempts, lastErr)
	p.batchesDropped.Add(1)
	p.samplesDropped.Add(uint64(len(batch)))
}

// requeue reinserts a failed batch at the head of the queue, oldest
// sample first so FIFO order is preserved. The queue's tail (the newest
// samples) gives way when full.
func (p *Publisher) requeue(batch []metric.Sample) {
	for i := len(batch) - 1; i >= 0; i-- {
		if evicted := p.queue.PushFront(batch[i]); evicted > 0 {
			p.samplesDropped.Add(uint64(evicted))
		}
	}
}

func (p *Publisher) envelope(batch []metric.Sample) *Envelope {
	return NewEnvelope(p.opts.Hostname, p.opts.HostTags, batch)
}
