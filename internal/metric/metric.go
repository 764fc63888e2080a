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

// Package metric defines the sample tuple persisted by the store and
// shipped to the aggregator.
package metric

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxTypeLen bounds the dotted metric name.
	MaxTypeLen = 128
	// MaxHostLen bounds the hostname column.
	MaxHostLen = 255
)

// Sample is one (timestamp, metric_type, host, tags, value) tuple.
// (timestamp, metric_type, host, tags) is the primary key: the store never
// holds two samples with an identical key.
type Sample struct {
	Timestamp int64 // seconds since epoch
	Type      string
	Host      string
	Tags      string // compact form "k1=v1,k2=v2", keys sorted; "" for none
	Value     float64
}

// ValidateType checks the dotted metric name: ASCII, non-empty, at most
// MaxTypeLen bytes.
func ValidateType(name string) error {
	if name == "" {
		return fmt.Errorf("metric type is empty")
	}
	if len(name) > MaxTypeLen {
		return fmt.Errorf("metric type %q exceeds %d bytes", name[:16]+"...", MaxTypeLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] > 0x7e || name[i] < 0x21 {
			return fmt.Errorf("metric type %q contains non-ASCII or whitespace byte at %d", name, i)
		}
	}
	return nil
}

// EncodeTags renders a tag map in the compact persisted form. Keys are
// sorted so identical maps always encode identically.
func EncodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// DecodeTags parses the compact form back into a map. The empty string
// and a missing tag set decode identically to an empty map.
func DecodeTags(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// Tag builds a single-pair compact tag set, the common case for per-core
// and per-interface samples.
func Tag(key, value string) string {
	return key + "=" + value
}
