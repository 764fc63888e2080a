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

// Package validate adapts go-playground/validator for use as a goccy
// yaml.Validator. Field names in messages come from the yaml struct
// tags, so errors point at what the operator actually wrote.
package validate

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Adapter struct {
	v *validator.Validate
}

func New() *Adapter {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Adapter{v: v}
}

// Struct satisfies the yaml.StructValidator interface.
func (a *Adapter) Struct(s interface{}) error {
	err := a.v.Struct(s)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var out []string
	for _, fe := range verrs {
		out = append(out, renderFieldError(fe))
	}
	return fmt.Errorf("%s", strings.Join(out, ", "))
}

func renderFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%q is a required field", fe.Field())
	case "oneof":
		return fmt.Sprintf("%q must be one of [%s]", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%q must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%q must be at most %s", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%q must be a URL", fe.Field())
	}
	return fe.Error()
}
