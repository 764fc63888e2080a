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

package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/logs"
	"github.com/sysmon-dev/sysmon/internal/ringqueue"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	asyncWebhookQueueDepth = 256
)

// webhookPayload is the JSON body POSTed for each event.
type webhookPayload struct {
	ID        string  `json:"id"`
	Rule      string  `json:"rule"`
	Metric    string  `json:"metric"`
	Condition string  `json:"condition"`
	Threshold float64 `json:"threshold"`
	Observed  float64 `json:"observed_value"`
	Severity  string  `json:"severity"`
	Hostname  string  `json:"hostname"`
	FiredAt   int64   `json:"fired_at"`
	PID       int32   `json:"pid,omitempty"`
	Process   string  `json:"process_name,omitempty"`
	Message   string  `json:"message"`
}

func payloadFor(event *alert.Event) webhookPayload {
	return webhookPayload{
		ID:        event.ID,
		Rule:      event.RuleName,
		Metric:    event.Metric,
		Condition: string(event.Condition),
		Threshold: event.Threshold,
		Observed:  event.ObservedValue,
		Severity:  string(event.Severity),
		Hostname:  event.Hostname,
		FiredAt:   event.FiredAt.Unix(),
		PID:       event.PID,
		Process:   event.ProcessName,
		Message:   event.Message,
	}
}

// webhookSink POSTs events inline on the caller with at most one
// synchronous retry. Longer retry policies belong to the asynchronous
// variant, which owns its own worker and queue so the collector tick is
// never gated on a slow endpoint.
type webhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func newWebhookSink(config map[string]string, logger logs.StructuredLogger) (alert.Sink, error) {
	endpoint := config["url"]
	if endpoint == "" {
		return nil, errkind.New(errkind.Config, "webhook sink: \"url\" is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, errkind.New(errkind.Config, "webhook sink: invalid url %q: %v", endpoint, err)
	}
	timeout := defaultWebhookTimeout
	if raw, ok := config["timeout_ms"]; ok {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, errkind.New(errkind.Config, "webhook sink: invalid timeout_ms %q", raw)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	headers := map[string]string{}
	for k, v := range config {
		if name, ok := strings.CutPrefix(k, "header_"); ok {
			headers[name] = v
		}
	}
	sink := &webhookSink{
		url:     endpoint,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
	if config["async"] == "true" {
		return newAsyncWebhookSink(sink, logger), nil
	}
	return sink, nil
}

func (s *webhookSink) Kind() string { return "webhook" }

func (s *webhookSink) Send(event *alert.Event) error {
	err := s.post(event)
	if err == nil {
		return nil
	}
	// One synchronous retry.
	if err := s.post(event); err != nil {
		return err
	}
	return nil
}

func (s *webhookSink) post(event *alert.Event) error {
	body, err := json.Marshal(payloadFor(event))
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err)
	}
	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.Config, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errkind.New(errkind.Transient, "webhook %s returned %s", s.url, resp.Status)
	}
	return nil
}

// asyncWebhookSink decouples delivery from the collector: Send only
// enqueues, a worker posts with exponential backoff. The queue drops
// the oldest event on overflow.
type asyncWebhookSink struct {
	inner  *webhookSink
	queue  *ringqueue.Queue[*alert.Event]
	logger logs.StructuredLogger
	stopCh chan struct{}
	doneCh chan struct{}
}

func newAsyncWebhookSink(inner *webhookSink, logger logs.StructuredLogger) *asyncWebhookSink {
	s := &asyncWebhookSink{
		inner:  inner,
		queue:  ringqueue.New[*alert.Event](asyncWebhookQueueDepth),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *asyncWebhookSink) Kind() string { return "webhook" }

func (s *asyncWebhookSink) Send(event *alert.Event) error {
	if evicted := s.queue.PushEvict(event); evicted > 0 {
		s.logger.Warnf("webhook %s: queue full, dropped oldest event", s.inner.url)
	}
	return nil
}

func (s *asyncWebhookSink) worker() {
	defer close(s.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.drain()
			return
		case <-ticker.C:
			s.drain()
		}
	}
}

func (s *asyncWebhookSink) drain() {
	for _, event := range s.queue.PopBatch(asyncWebhookQueueDepth) {
		bf := backoff.NewExponentialBackOff()
		bf.InitialInterval = time.Second
		bf.MaxElapsedTime = 30 * time.Second
		err := backoff.Retry(func() error {
			return s.inner.post(event)
		}, bf)
		if err != nil {
			s.logger.Errorf("webhook %s: giving up on event %s: %v", s.inner.url, event.ID, err)
		}
	}
}

// Close stops the worker after a final drain of queued events.
func (s *asyncWebhookSink) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}
