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

// Package platform detects the host operating system and hostname. The
// platform label travels with every ingest envelope; each envelope runs
// its own detection.
package platform

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

type Type int

const (
	Unknown Type = iota
	Linux
	Windows
	MacOS
)

// Name returns the wire label for the platform as it appears in the
// ingest envelope.
func (t Type) Name() string {
	switch t {
	case Linux:
		return "Linux"
	case Windows:
		return "Windows"
	case MacOS:
		return "macOS"
	}
	return "Unknown"
}

type Platform struct {
	Type     Type
	Hostname string
	// OS and KernelVersion come from the kernel, e.g. "ubuntu" / "5.15.0".
	OS            string
	KernelVersion string
}

// Detect reads host information once per call. The platform type comes
// from GOOS; if host.Info fails, Hostname, OS and KernelVersion stay empty
// and the agent still runs.
func Detect() Platform {
	p := Platform{Type: fromGOOS(runtime.GOOS)}
	info, err := host.Info()
	if err != nil {
		return p
	}
	p.Hostname = info.Hostname
	p.OS = info.Platform
	p.KernelVersion = info.KernelVersion
	return p
}

func fromGOOS(goos string) Type {
	switch goos {
	case "linux":
		return Linux
	case "windows":
		return Windows
	case "darwin":
		return MacOS
	}
	return Unknown
}
