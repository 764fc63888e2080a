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

package errkind_test

import (
	"errors"
	"fmt"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/errkind"
)

func TestOfAndIs(t *testing.T) {
	err := errkind.New(errkind.Transient, "queue full")
	assert.Equal(t, errkind.Transient, errkind.Of(err))
	assert.Check(t, errkind.Is(err, errkind.Transient))
	assert.Check(t, !errkind.Is(err, errkind.Fatal))
}

func TestOfSurvivesWrapping(t *testing.T) {
	inner := errkind.New(errkind.Permission, "denied")
	wrapped := fmt.Errorf("reading cpu: %w", inner)
	assert.Equal(t, errkind.Permission, errkind.Of(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.Check(t, errkind.Wrap(errkind.Fatal, nil) == nil)
}

func TestOfPlainError(t *testing.T) {
	assert.Equal(t, errkind.Kind(0), errkind.Of(errors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := errkind.Wrap(errkind.Config, inner)
	assert.Check(t, errors.Is(err, inner))
}
