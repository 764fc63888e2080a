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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/platform"
	"github.com/sysmon-dev/sysmon/internal/version"
)

// TokenHeader authenticates ingest requests.
const TokenHeader = "X-SysMon-Token"

// Envelope is the ingest request body. Per-sample hosts are implied by
// the envelope hostname; the aggregator stamps them on write.
type Envelope struct {
	Hostname string            `json:"hostname"`
	Version  string            `json:"version,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Metrics  []WireSample      `json:"metrics"`
}

type WireSample struct {
	Timestamp  int64   `json:"timestamp"`
	MetricType string  `json:"metric_type"`
	Value      float64 `json:"value"`
	Tags       string  `json:"tags,omitempty"`
}

func NewEnvelope(hostname string, tags map[string]string, batch []metric.Sample) *Envelope {
	env := &Envelope{
		Hostname: hostname,
		Version:  version.Version,
		Platform: platform.Detect().Type.Name(),
		Tags:     tags,
		Metrics:  make([]WireSample, len(batch)),
	}
	for i, s := range batch {
		env.Metrics[i] = WireSample{
			Timestamp:  s.Timestamp,
			MetricType: s.Type,
			Value:      s.Value,
			Tags:       s.Tags,
		}
	}
	return env
}

type httpPoster struct {
	url    string
	token  string
	client *http.Client
}

func newHTTPPoster(aggregatorURL, token string, timeout time.Duration) *httpPoster {
	return &httpPoster{
		url:    strings.TrimSuffix(aggregatorURL, "/") + "/api/metrics",
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *httpPoster) post(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err)
	}
	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.Config, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the diagnostic; the aggregator
		// replies with a small JSON error envelope.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errkind.New(errkind.Transient, "aggregator returned %s: %s",
			resp.Status, fmt.Sprintf("%.200s", string(snippet)))
	}
	return nil
}
