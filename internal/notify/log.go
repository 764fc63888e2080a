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
	"fmt"
	"strconv"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/errkind"
)

const defaultLogMaxSizeMB = 10

// logSink appends one line per event to a size-rotated file. Writes are
// serialized by the sink's own mutex.
type logSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

func newLogSink(config map[string]string) (*logSink, error) {
	path := config["path"]
	if path == "" {
		return nil, errkind.New(errkind.Config, "log sink: \"path\" is required")
	}
	maxSize := defaultLogMaxSizeMB
	if raw, ok := config["max_size_mb"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, errkind.New(errkind.Config, "log sink: invalid max_size_mb %q", raw)
		}
		maxSize = n
	}
	return &logSink{
		out: &lumberjack.Logger{
			Filename: path,
			MaxSize:  maxSize,
		},
	}, nil
}

func (s *logSink) Kind() string { return "log" }

func (s *logSink) Send(event *alert.Event) error {
	line := fmt.Sprintf("%s [%s] %s\n",
		event.FiredAt.UTC().Format(time.RFC3339), event.Severity, event.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write([]byte(line)); err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
