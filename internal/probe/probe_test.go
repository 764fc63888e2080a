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
	"fmt"
	"os"
	"testing"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/errkind"
)

func TestBusyPercent(t *testing.T) {
	prev := cpu.TimesStat{User: 10, System: 10, Idle: 80}
	cur := cpu.TimesStat{User: 20, System: 20, Idle: 160}
	// Delta: 100 total, 80 idle -> 20% busy.
	assert.Equal(t, 20.0, busyPercent(prev, cur))
}

func TestBusyPercentNoDelta(t *testing.T) {
	same := cpu.TimesStat{User: 10, Idle: 90}
	assert.Equal(t, 0.0, busyPercent(same, same))
}

func TestBusyPercentCounterRollover(t *testing.T) {
	prev := cpu.TimesStat{User: 100, Idle: 100}
	cur := cpu.TimesStat{User: 10, Idle: 10}
	assert.Equal(t, 0.0, busyPercent(prev, cur))
}

func TestFirstCPUReadIsZero(t *testing.T) {
	p := NewGopsutilProbe()
	snap, err := p.CPU()
	if err != nil {
		t.Skipf("cpu times unavailable: %v", err)
	}
	assert.Equal(t, 0.0, snap.TotalUsage)
	assert.Check(t, snap.CoreCount >= 1)

	// The second read computes a delta and stays in range.
	snap2, err := p.CPU()
	assert.NilError(t, err)
	assert.Check(t, snap2.TotalUsage >= 0 && snap2.TotalUsage <= 100)
}

func TestMemoryUsagePercentIsUsedOverTotal(t *testing.T) {
	p := NewGopsutilProbe()
	snap, err := p.Memory()
	if err != nil {
		t.Skipf("memory stats unavailable: %v", err)
	}
	assert.Check(t, snap.Total > 0)
	want := float64(snap.Used) / float64(snap.Total) * 100
	assert.Equal(t, want, snap.UsagePercent)
	assert.Check(t, snap.UsagePercent >= 0 && snap.UsagePercent <= 100)
}

func TestClassify(t *testing.T) {
	assert.Check(t, classify(nil) == nil)

	perm := fmt.Errorf("open /proc/1/io: %w", os.ErrPermission)
	assert.Equal(t, errkind.Permission, errkind.Of(classify(perm)))

	notImpl := errors.New("not implemented yet")
	assert.Equal(t, errkind.NotSupported, errkind.Of(classify(notImpl)))

	other := errors.New("read interrupted")
	assert.Equal(t, errkind.Transient, errkind.Of(classify(other)))
}

func TestSkipPartition(t *testing.T) {
	assert.Check(t, skipPartition(disk.PartitionStat{Device: "/dev/loop3", Fstype: "ext4"}))
	assert.Check(t, skipPartition(disk.PartitionStat{Device: "tmpfs", Fstype: "tmpfs"}))
	assert.Check(t, skipPartition(disk.PartitionStat{Device: "overlay", Fstype: "overlay"}))
	assert.Check(t, !skipPartition(disk.PartitionStat{Device: "/dev/sda1", Fstype: "ext4", Mountpoint: "/"}))
}
