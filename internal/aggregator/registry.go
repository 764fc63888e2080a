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

// Package aggregator is the central ingest and query service: token-
// gated HTTP ingest, a multi-host time-series store, and the host
// registry tracking liveness.
package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/sysmon-dev/sysmon/internal/store"
)

// DefaultInactiveThreshold hides hosts not seen within this window from
// the default host listing.
const DefaultInactiveThreshold = 300 * time.Second

// HostRegistry maps hostname to descriptor. The in-memory cache sits in
// front of the hosts table; the cache and table are written together on
// every touch. Liveness is derived, never stored.
type HostRegistry struct {
	mu    sync.Mutex
	cache map[string]store.HostDescriptor
	st    *store.Store
}

func NewHostRegistry(st *store.Store) (*HostRegistry, error) {
	r := &HostRegistry{
		cache: make(map[string]store.HostDescriptor),
		st:    st,
	}
	// Warm the cache so descriptors survive restarts.
	descriptors, err := st.ListHosts()
	if err != nil {
		return nil, err
	}
	for _, d := range descriptors {
		r.cache[d.Hostname] = d
	}
	return r, nil
}

// Touch records an ingest from hostname: the descriptor is created on
// first contact and last_seen, platform, version and tags refresh every
// time.
func (r *HostRegistry) Touch(hostname, platform, agentVersion, tags string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.cache[hostname]
	if !ok {
		d = store.HostDescriptor{
			Hostname:  hostname,
			FirstSeen: now.Unix(),
		}
	}
	d.LastSeen = now.Unix()
	d.Platform = platform
	d.AgentVersion = agentVersion
	d.Tags = tags

	if err := r.st.UpsertHost(d); err != nil {
		return err
	}
	r.cache[hostname] = d
	return nil
}

// Get returns a copy of the descriptor and whether it exists.
func (r *HostRegistry) Get(hostname string) (store.HostDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.cache[hostname]
	return d, ok
}

// Online reports whether the descriptor counts as online at now.
func Online(d store.HostDescriptor, now time.Time, threshold time.Duration) bool {
	return d.LastSeen >= now.Add(-threshold).Unix()
}

// List returns descriptors sorted by hostname. With includeInactive
// false, hosts whose last_seen is older than threshold are hidden.
func (r *HostRegistry) List(includeInactive bool, now time.Time, threshold time.Duration) []store.HostDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]store.HostDescriptor, 0, len(r.cache))
	for _, d := range r.cache {
		if !includeInactive && !Online(d, now, threshold) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}
