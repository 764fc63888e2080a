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

package aggregator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sysmon-dev/sysmon/internal/metric"
	"github.com/sysmon-dev/sysmon/internal/publisher"
	"github.com/sysmon-dev/sysmon/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireToken gates ingest behind the shared secret.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" || r.Header.Get(publisher.TokenHeader) != s.opts.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// handleIngest accepts one envelope. Malformed samples inside a
// well-formed envelope are rejected individually; the surviving batch
// commits in one transaction, so a request is all-or-nothing.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var env publisher.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if env.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if len(env.Hostname) > metric.MaxHostLen {
		writeError(w, http.StatusBadRequest, "hostname too long")
		return
	}

	now := time.Now()
	accepted := make([]metric.Sample, 0, len(env.Metrics))
	rejected := 0
	for _, ws := range env.Metrics {
		if metric.ValidateType(ws.MetricType) != nil {
			rejected++
			continue
		}
		accepted = append(accepted, metric.Sample{
			Timestamp: ws.Timestamp,
			Type:      ws.MetricType,
			Host:      env.Hostname,
			Tags:      ws.Tags,
			Value:     ws.Value,
		})
	}

	if err := s.st.CommitSync(accepted); err != nil {
		s.opts.Logger.Errorf("aggregator: ingest commit for %s failed: %v", env.Hostname, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":          "write_failed",
			"retry_after_ms": 1000,
		})
		return
	}

	if err := s.registry.Touch(env.Hostname, env.Platform, env.Version, metric.EncodeTags(env.Tags), now); err != nil {
		s.opts.Logger.Errorf("aggregator: host registry update for %s failed: %v", env.Hostname, err)
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"accepted": len(accepted),
		"rejected": rejected,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

type hostEntry struct {
	Hostname string            `json:"hostname"`
	LastSeen int64             `json:"last_seen"`
	Status   string            `json:"status"`
	Tags     map[string]string `json:"tags"`
	Version  string            `json:"version"`
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	now := time.Now()
	threshold := s.opts.InactiveThreshold

	listed := s.registry.List(includeInactive, now, threshold)
	all := s.registry.List(true, now, threshold)

	online := 0
	for _, d := range all {
		if Online(d, now, threshold) {
			online++
		}
	}

	hosts := make([]hostEntry, 0, len(listed))
	for _, d := range listed {
		status := "offline"
		if Online(d, now, threshold) {
			status = "online"
		}
		hosts = append(hosts, hostEntry{
			Hostname: d.Hostname,
			LastSeen: d.LastSeen,
			Status:   status,
			Tags:     metric.DecodeTags(d.Tags),
			Version:  d.AgentVersion,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hosts":   hosts,
		"count":   len(hosts),
		"online":  online,
		"offline": len(all) - online,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	metricType := r.URL.Query().Get("metric")
	if metricType == "" {
		writeError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	host := r.URL.Query().Get("host")

	sample, err := s.st.QueryLatest(metricType, host)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sample == nil {
		writeError(w, http.StatusNotFound, "no samples for metric")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   sample.Timestamp,
		"metric_type": sample.Type,
		"host":        sample.Host,
		"value":       sample.Value,
		"tags":        sample.Tags,
	})
}

type rangePoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Datetime  string  `json:"datetime"`
}

func (s *Server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metricType := q.Get("metric_type")
	if metricType == "" {
		writeError(w, http.StatusBadRequest, "metric_type parameter is required")
		return
	}
	host := q.Get("host")
	start, err := parseInt(q.Get("start"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start timestamp")
		return
	}
	end, err := parseInt(q.Get("end"), time.Now().Unix())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end timestamp")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	samples, err := s.st.QueryRange(metricType, start, end, limit, host)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := make([]rangePoint, len(samples))
	stats := map[string]float64{"min": 0, "max": 0, "avg": 0, "latest": 0}
	var sum float64
	for i, sm := range samples {
		data[i] = rangePoint{
			Timestamp: sm.Timestamp,
			Value:     sm.Value,
			Datetime:  time.Unix(sm.Timestamp, 0).UTC().Format(time.RFC3339),
		}
		if i == 0 || sm.Value < stats["min"] {
			stats["min"] = sm.Value
		}
		if i == 0 || sm.Value > stats["max"] {
			stats["max"] = sm.Value
		}
		sum += sm.Value
	}
	if len(samples) > 0 {
		stats["avg"] = sum / float64(len(samples))
		stats["latest"] = samples[len(samples)-1].Value
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metric_type": metricType,
		"count":       len(data),
		"data":        data,
		"statistics":  stats,
	})
}

// handleFleetSummary reduces the fleet to headline numbers using only
// the most recent sample per host inside the liveness window.
func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	threshold := s.opts.InactiveThreshold
	all := s.registry.List(true, now, threshold)

	online := 0
	var cpuSum float64
	cpuCount := 0
	var memUsed float64
	for _, d := range all {
		if !Online(d, now, threshold) {
			continue
		}
		online++
		if sm, err := s.st.QueryLatest("cpu.total_usage", d.Hostname); err == nil && sm != nil {
			cpuSum += sm.Value
			cpuCount++
		}
		if sm, err := s.st.QueryLatest("memory.used_bytes", d.Hostname); err == nil && sm != nil {
			memUsed += sm.Value
		}
	}

	avgCPU := 0.0
	if cpuCount > 0 {
		avgCPU = cpuSum / float64(cpuCount)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_hosts":          len(all),
		"online_hosts":         online,
		"offline_hosts":        len(all) - online,
		"avg_cpu_percent":      avgCPU,
		"total_memory_used_gb": memUsed / (1 << 30),
		"timestamp":            now.Unix(),
	})
}

func parseInt(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
