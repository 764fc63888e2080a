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

package metric

import (
	"strconv"

	"github.com/sysmon-dev/sysmon/internal/probe"
)

// Each snapshot fans out to one sample per field. Cumulative counters
// are recorded as cumulative values; rate derivation belongs to the
// consumers, not the core.

func FromCPU(snap *probe.CPUSnapshot, host string) []Sample {
	ts := snap.Timestamp.Unix()
	out := []Sample{
		{Timestamp: ts, Type: "cpu.total_usage", Host: host, Value: snap.TotalUsage},
		{Timestamp: ts, Type: "cpu.load_1", Host: host, Value: snap.Load1},
		{Timestamp: ts, Type: "cpu.load_5", Host: host, Value: snap.Load5},
		{Timestamp: ts, Type: "cpu.load_15", Host: host, Value: snap.Load15},
		{Timestamp: ts, Type: "cpu.core_count", Host: host, Value: float64(snap.CoreCount)},
		{Timestamp: ts, Type: "cpu.context_switches", Host: host, Value: float64(snap.ContextSwitches)},
		{Timestamp: ts, Type: "cpu.interrupts", Host: host, Value: float64(snap.Interrupts)},
	}
	for i, usage := range snap.PerCore {
		out = append(out, Sample{
			Timestamp: ts,
			Type:      "cpu.core_usage",
			Host:      host,
			Tags:      Tag("core", strconv.Itoa(i)),
			Value:     usage,
		})
	}
	return out
}

func FromMemory(snap *probe.MemorySnapshot, host string) []Sample {
	ts := snap.Timestamp.Unix()
	return []Sample{
		{Timestamp: ts, Type: "memory.total_bytes", Host: host, Value: float64(snap.Total)},
		{Timestamp: ts, Type: "memory.used_bytes", Host: host, Value: float64(snap.Used)},
		{Timestamp: ts, Type: "memory.free_bytes", Host: host, Value: float64(snap.Free)},
		{Timestamp: ts, Type: "memory.available_bytes", Host: host, Value: float64(snap.Available)},
		{Timestamp: ts, Type: "memory.cached_bytes", Host: host, Value: float64(snap.Cached)},
		{Timestamp: ts, Type: "memory.buffers_bytes", Host: host, Value: float64(snap.Buffers)},
		{Timestamp: ts, Type: "memory.swap_total_bytes", Host: host, Value: float64(snap.SwapTotal)},
		{Timestamp: ts, Type: "memory.swap_used_bytes", Host: host, Value: float64(snap.SwapUsed)},
		{Timestamp: ts, Type: "memory.usage_percent", Host: host, Value: snap.UsagePercent},
	}
}

func FromDisks(snaps []probe.DiskSnapshot, host string) []Sample {
	var out []Sample
	for _, d := range snaps {
		ts := d.Timestamp.Unix()
		tags := Tag("mount", d.MountPath)
		out = append(out,
			Sample{Timestamp: ts, Type: "disk.total_bytes", Host: host, Tags: tags, Value: float64(d.Total)},
			Sample{Timestamp: ts, Type: "disk.used_bytes", Host: host, Tags: tags, Value: float64(d.Used)},
			Sample{Timestamp: ts, Type: "disk.free_bytes", Host: host, Tags: tags, Value: float64(d.Free)},
			Sample{Timestamp: ts, Type: "disk.usage_percent", Host: host, Tags: tags, Value: d.UsagePercent},
			Sample{Timestamp: ts, Type: "disk.read_bytes", Host: host, Tags: tags, Value: float64(d.ReadBytes)},
			Sample{Timestamp: ts, Type: "disk.write_bytes", Host: host, Tags: tags, Value: float64(d.WriteBytes)},
		)
	}
	return out
}

func FromNetworks(snaps []probe.NetworkSnapshot, host string) []Sample {
	var out []Sample
	for _, n := range snaps {
		ts := n.Timestamp.Unix()
		tags := Tag("iface", n.Interface)
		out = append(out,
			Sample{Timestamp: ts, Type: "network.bytes_sent", Host: host, Tags: tags, Value: float64(n.BytesSent)},
			Sample{Timestamp: ts, Type: "network.bytes_recv", Host: host, Tags: tags, Value: float64(n.BytesRecv)},
			Sample{Timestamp: ts, Type: "network.packets_sent", Host: host, Tags: tags, Value: float64(n.PacketsSent)},
			Sample{Timestamp: ts, Type: "network.packets_recv", Host: host, Tags: tags, Value: float64(n.PacketsRecv)},
			Sample{Timestamp: ts, Type: "network.errors_in", Host: host, Tags: tags, Value: float64(n.ErrorsIn)},
			Sample{Timestamp: ts, Type: "network.errors_out", Host: host, Tags: tags, Value: float64(n.ErrorsOut)},
			Sample{Timestamp: ts, Type: "network.drops_in", Host: host, Tags: tags, Value: float64(n.DropsIn)},
			Sample{Timestamp: ts, Type: "network.drops_out", Host: host, Tags: tags, Value: float64(n.DropsOut)},
		)
	}
	return out
}

func FromProcesses(entries []probe.ProcessEntry, host string) []Sample {
	var out []Sample
	for _, e := range entries {
		ts := e.Timestamp.Unix()
		tags := EncodeTags(map[string]string{
			"pid":  strconv.Itoa(int(e.PID)),
			"name": e.Name,
		})
		out = append(out,
			Sample{Timestamp: ts, Type: "process.cpu_percent", Host: host, Tags: tags, Value: e.CPUPercent},
			Sample{Timestamp: ts, Type: "process.memory_bytes", Host: host, Tags: tags, Value: float64(e.ResidentBytes)},
			Sample{Timestamp: ts, Type: "process.thread_count", Host: host, Tags: tags, Value: float64(e.ThreadCount)},
			Sample{Timestamp: ts, Type: "process.open_files", Host: host, Tags: tags, Value: float64(e.OpenFiles)},
			Sample{Timestamp: ts, Type: "process.read_bytes", Host: host, Tags: tags, Value: float64(e.ReadBytes)},
			Sample{Timestamp: ts, Type: "process.write_bytes", Host: host, Tags: tags, Value: float64(e.WriteBytes)},
		)
	}
	return out
}
