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

package probe

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sysmon-dev/sysmon/internal/errkind"
)

// GopsutilProbe reads snapshots through gopsutil. It is safe for use from
// a single collector goroutine; the internal mutex only protects the
// delta caches against concurrent ad-hoc reads (e.g. a stats endpoint).
type GopsutilProbe struct {
	mu sync.Mutex

	// Previous cumulative CPU times, total and per core.
	prevTotal   *cpu.TimesStat
	prevPerCore []cpu.TimesStat

	// Previous per-process cumulative CPU seconds keyed by pid, and the
	// instant they were read.
	prevProcTimes map[int32]float64
	prevProcAt    time.Time

	numCPU int
}

func NewGopsutilProbe() *GopsutilProbe {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = 1
	}
	return &GopsutilProbe{numCPU: n}
}

// classify maps a gopsutil error onto the probe error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, os.ErrPermission):
		return errkind.Wrap(errkind.Permission, err)
	case isNotImplemented(err):
		return errkind.Wrap(errkind.NotSupported, err)
	}
	return errkind.Wrap(errkind.Transient, err)
}

func isNotImplemented(err error) bool {
	// gopsutil returns common.ErrNotImplementedError for capabilities a
	// platform lacks; the sentinel lives in an internal package so we
	// match on the message.
	return strings.Contains(err.Error(), "not implemented")
}

func (p *GopsutilProbe) CPU() (*CPUSnapshot, error) {
	now := time.Now()

	totals, err := cpu.Times(false)
	if err != nil {
		return nil, classify(err)
	}
	if len(totals) == 0 {
		return nil, errkind.New(errkind.Transient, "cpu times: empty result")
	}
	perCore, err := cpu.Times(true)
	if err != nil {
		return nil, classify(err)
	}

	snap := &CPUSnapshot{
		Timestamp: now,
		CoreCount: p.numCPU,
		PerCore:   make([]float64, len(perCore)),
	}

	p.mu.Lock()
	if p.prevTotal != nil {
		snap.TotalUsage = busyPercent(*p.prevTotal, totals[0])
	}
	for i := range perCore {
		if i < len(p.prevPerCore) {
			snap.PerCore[i] = busyPercent(p.prevPerCore[i], perCore[i])
		}
	}
	t := totals[0]
	p.prevTotal = &t
	p.prevPerCore = perCore
	p.mu.Unlock()

	// Load averages are zero on platforms without them (e.g. Windows).
	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}
	// Context switches and interrupts stay zero where the kernel does
	// not expose them.
	if misc, err := load.Misc(); err == nil {
		snap.ContextSwitches = uint64(misc.Ctxt)
	}
	if ints, err := readInterrupts(); err == nil {
		snap.Interrupts = ints
	}

	return snap, nil
}

// busyPercent computes utilization from two cumulative time samples.
func busyPercent(prev, cur cpu.TimesStat) float64 {
	prevTotal := cpuTotal(prev)
	curTotal := cpuTotal(cur)
	dTotal := curTotal - prevTotal
	if dTotal <= 0 {
		return 0
	}
	dIdle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	if dIdle < 0 {
		dIdle = 0
	}
	pct := (dTotal - dIdle) / dTotal * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice
}

func (p *GopsutilProbe) Memory() (*MemorySnapshot, error) {
	now := time.Now()
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, classify(err)
	}
	snap := &MemorySnapshot{
		Timestamp: now,
		Total:     vm.Total,
		Used:      vm.Used,
		Free:      vm.Free,
		Available: vm.Available,
		Cached:    vm.Cached,
		Buffers:   vm.Buffers,
	}
	if vm.Total > 0 {
		snap.UsagePercent = float64(vm.Used) / float64(vm.Total) * 100
	}
	if swap, err := mem.SwapMemory(); err == nil {
		snap.SwapTotal = swap.Total
		snap.SwapUsed = swap.Used
	}
	return snap, nil
}

func (p *GopsutilProbe) Disks() ([]DiskSnapshot, error) {
	now := time.Now()
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, classify(err)
	}
	ioCounters, _ := disk.IOCounters()

	var out []DiskSnapshot
	for _, part := range partitions {
		if skipPartition(part) {
			continue
		}
		usage, err := disk.Usage(part.Mountpoint)
		if err != nil {
			continue
		}
		d := DiskSnapshot{
			Timestamp: now,
			Device:    part.Device,
			MountPath: part.Mountpoint,
			Total:     usage.Total,
			Used:      usage.Used,
			Free:      usage.Free,
		}
		if usage.Total > 0 {
			d.UsagePercent = float64(usage.Used) / float64(usage.Total) * 100
		}
		device := strings.TrimPrefix(part.Device, "/dev/")
		if io, ok := ioCounters[device]; ok {
			d.ReadBytes = io.ReadBytes
			d.WriteBytes = io.WriteBytes
		}
		out = append(out, d)
	}
	return out, nil
}

// skipPartition filters pseudo filesystems that would otherwise dominate
// the mount list.
func skipPartition(p disk.PartitionStat) bool {
	if strings.HasPrefix(p.Device, "/dev/loop") {
		return true
	}
	switch p.Fstype {
	case "squashfs", "devtmpfs", "tmpfs", "overlay", "devfs", "autofs", "nullfs", "proc", "sysfs", "cgroup", "cgroup2":
		return true
	}
	if strings.HasPrefix(p.Mountpoint, "/System/Volumes/") &&
		!strings.HasPrefix(p.Mountpoint, "/System/Volumes/Data") {
		return true
	}
	return false
}

func (p *GopsutilProbe) Networks() ([]NetworkSnapshot, error) {
	now := time.Now()
	counters, err := gnet.IOCounters(true)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]NetworkSnapshot, 0, len(counters))
	for _, c := range counters {
		out = append(out, NetworkSnapshot{
			Timestamp:   now,
			Interface:   c.Name,
			BytesSent:   c.BytesSent,
			BytesRecv:   c.BytesRecv,
			PacketsSent: c.PacketsSent,
			PacketsRecv: c.PacketsRecv,
			ErrorsIn:    c.Errin,
			ErrorsOut:   c.Errout,
			DropsIn:     c.Dropin,
			DropsOut:    c.Dropout,
		})
	}
	return out, nil
}

func (p *GopsutilProbe) Processes() ([]ProcessEntry, error) {
	now := time.Now()
	procs, err := process.Processes()
	if err != nil {
		return nil, classify(err)
	}

	p.mu.Lock()
	prevTimes := p.prevProcTimes
	prevAt := p.prevProcAt
	p.mu.Unlock()

	elapsed := now.Sub(prevAt).Seconds()
	curTimes := make(map[int32]float64, len(procs))

	out := make([]ProcessEntry, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue // exited between listing and read
		}
		e := ProcessEntry{
			Timestamp: now,
			PID:       proc.Pid,
			Name:      name,
		}
		if ppid, err := proc.Ppid(); err == nil {
			e.ParentPID = ppid
		}
		if user, err := proc.Username(); err == nil {
			e.Username = user
		}
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			e.ResidentBytes = mi.RSS
		}
		if times, err := proc.Times(); err == nil && times != nil {
			total := times.User + times.System
			curTimes[proc.Pid] = total
			if prevTimes != nil && elapsed > 0 {
				if prev, ok := prevTimes[proc.Pid]; ok && total >= prev {
					pct := (total - prev) / elapsed * 100 / float64(p.numCPU)
					if pct > 100 {
						pct = 100
					}
					e.CPUPercent = pct
				}
			}
		}
		if threads, err := proc.NumThreads(); err == nil {
			e.ThreadCount = threads
		}
		if fds, err := proc.NumFDs(); err == nil {
			e.OpenFiles = fds
		}
		if io, err := proc.IOCounters(); err == nil && io != nil {
			e.ReadBytes = io.ReadBytes
			e.WriteBytes = io.WriteBytes
		}
		out = append(out, e)
	}

	p.mu.Lock()
	p.prevProcTimes = curTimes
	p.prevProcAt = now
	p.mu.Unlock()

	return out, nil
}
