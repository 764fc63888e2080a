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

// Package notify implements the built-in alert delivery sinks: a
// rotating log file, an HTTP webhook (synchronous or asynchronous) and
// best-effort SMTP email.
package notify

import (
	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/logs"
)

// New builds a sink from its spec. Unknown kinds and invalid settings
// are configuration errors; the caller rejects the whole rule file.
func New(name string, spec alert.SinkSpec, logger logs.StructuredLogger) (alert.Sink, error) {
	switch spec.Kind {
	case "log":
		return newLogSink(spec.Config)
	case "webhook":
		return newWebhookSink(spec.Config, logger)
	case "email":
		return newEmailSink(spec.Config, logger)
	}
	return nil, errkind.New(errkind.Config, "sink %q: unknown kind %q", name, spec.Kind)
}
