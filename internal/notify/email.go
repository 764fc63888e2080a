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
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/sysmon-dev/sysmon/internal/alert"
	"github.com/sysmon-dev/sysmon/internal/errkind"
	"github.com/sysmon-dev/sysmon/internal/logs"
)

// emailSink hands rendered messages to an SMTP transport. Delivery is
// best-effort: a persistent transport error is surfaced once, then
// suppressed until the transport recovers.
type emailSink struct {
	addr string // host:port
	from string
	to   []string
	auth smtp.Auth

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

	mu        sync.Mutex
	suppress  bool
	logger    logs.StructuredLogger
	lastError error
}

func newEmailSink(config map[string]string, logger logs.StructuredLogger) (*emailSink, error) {
	host := config["smtp_host"]
	if host == "" {
		return nil, errkind.New(errkind.Config, "email sink: \"smtp_host\" is required")
	}
	port := config["smtp_port"]
	if port == "" {
		port = "25"
	}
	from := config["from"]
	if from == "" {
		return nil, errkind.New(errkind.Config, "email sink: \"from\" is required")
	}
	toRaw := config["to"]
	if toRaw == "" {
		return nil, errkind.New(errkind.Config, "email sink: \"to\" is required")
	}
	var to []string
	for _, addr := range strings.Split(toRaw, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}

	var auth smtp.Auth
	if user := config["username"]; user != "" {
		auth = smtp.PlainAuth("", user, config["password"], host)
	}

	return &emailSink{
		addr:   host + ":" + port,
		from:   from,
		to:     to,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}, nil
}

func (s *emailSink) Kind() string { return "email" }

func (s *emailSink) Send(event *alert.Event) error {
	msg := s.render(event)

	err := s.send(s.addr, s.auth, s.from, s.to, msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if s.suppress {
			s.logger.Infof("email sink: transport to %s recovered", s.addr)
		}
		s.suppress = false
		s.lastError = nil
		return nil
	}
	s.lastError = err
	if s.suppress {
		return nil // already surfaced once
	}
	s.suppress = true
	return errkind.Wrap(errkind.Transient, err)
}

func (s *emailSink) render(event *alert.Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: [sysmon %s] %s on %s\r\n", event.Severity, event.RuleName, event.Hostname)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", event.Message)
	fmt.Fprintf(&b, "Metric:    %s\r\n", event.Metric)
	fmt.Fprintf(&b, "Observed:  %g\r\n", event.ObservedValue)
	fmt.Fprintf(&b, "Threshold: %s %g\r\n", event.Condition, event.Threshold)
	fmt.Fprintf(&b, "Fired at:  %s\r\n", event.FiredAt.UTC().Format(time.RFC3339))
	if event.PID != 0 {
		fmt.Fprintf(&b, "Process:   %s (pid %d)\r\n", event.ProcessName, event.PID)
	}
	return []byte(b.String())
}
