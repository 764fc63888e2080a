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

package validate_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sysmon-dev/sysmon/internal/validate"
)

type fixture struct {
	Name  string `yaml:"name" validate:"required"`
	Level string `yaml:"level" validate:"omitempty,oneof=low high"`
	Count int    `yaml:"count" validate:"omitempty,min=1,max=10"`
	URL   string `yaml:"endpoint_url" validate:"omitempty,url"`
}

func TestValidStruct(t *testing.T) {
	a := validate.New()
	assert.NilError(t, a.Struct(&fixture{Name: "x", Level: "low", Count: 5}))
}

func TestMessagesUseYamlFieldNames(t *testing.T) {
	a := validate.New()

	err := a.Struct(&fixture{})
	assert.ErrorContains(t, err, `"name" is a required field`)

	err = a.Struct(&fixture{Name: "x", Level: "medium"})
	assert.ErrorContains(t, err, `"level" must be one of [low high]`)

	err = a.Struct(&fixture{Name: "x", Count: 99})
	assert.ErrorContains(t, err, `"count" must be at most 10`)

	err = a.Struct(&fixture{Name: "x", URL: "not a url"})
	assert.ErrorContains(t, err, `"endpoint_url" must be a URL`)
}

func TestMultipleErrorsJoined(t *testing.T) {
	a := validate.New()
	err := a.Struct(&fixture{Level: "medium"})
	assert.ErrorContains(t, err, `"name"`)
	assert.ErrorContains(t, err, `"level"`)
}
