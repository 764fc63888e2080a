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

// Package probe reads typed snapshots of OS telemetry. The gopsutil
// implementation keeps small delta caches so utilization percentages can
// be computed without sleeping inside an accessor.
package probe

import "time"

// Probe is the capability set the collector samples from. Accessors
// return a typed snapshot or an error classified by errkind (Permission,
// NotSupported, Transient).
type Probe interface {
	CPU() (*CPUSnapshot, error)
	Memory() (*MemorySnapshot, error)
	Disks() ([]DiskSnapshot, error)
	Networks() ([]NetworkSnapshot, error)
	Processes() ([]ProcessEntry, error)
}

// CPUSnapshot carries utilization computed from the delta between two
// cumulative-time reads. The first read after construction reports zero
// utilization and seeds the cache.
type CPUSnapshot struct {
	Timestamp  time.Time
	TotalUsage float64   // percent, [0,100]
	PerCore    []float64 // percent per core
	Load1      float64
	Load5      float64
	Load15     float64
	CoreCount  int
	// Cumulative counters since boot.
	ContextSwitches uint64
	Interrupts      uint64
}

type MemorySnapshot struct {
	Timestamp    time.Time
	Total        uint64
	Used         uint64
	Free         uint64
	Available    uint64
	Cached       uint64
	Buffers      uint64
	SwapTotal    uint64
	SwapUsed     uint64
	UsagePercent float64 // Used / Total * 100
}

type DiskSnapshot struct {
	Timestamp    time.Time
	Device       string
	MountPath    string
	Total        uint64
	Used         uint64
	Free         uint64
	ReadBytes    uint64 // cumulative
	WriteBytes   uint64 // cumulative
	UsagePercent float64
}

type NetworkSnapshot struct {
	Timestamp   time.Time
	Interface   string
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
	ErrorsIn    uint64
	ErrorsOut   uint64
	DropsIn     uint64
	DropsOut    uint64
}

type ProcessEntry struct {
	Timestamp     time.Time
	PID           int32
	ParentPID     int32
	Name          string
	Username      string
	ResidentBytes uint64
	CPUPercent    float64 // delta since previous snapshot
	ThreadCount   int32
	OpenFiles     int32
	ReadBytes     uint64 // cumulative
	WriteBytes    uint64 // cumulative
}
