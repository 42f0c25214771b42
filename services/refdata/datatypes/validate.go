// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/go-playground/validator/v10"
)

// refdataValidate is shared by every payload in this package.
var refdataValidate *validator.Validate

func init() {
	refdataValidate = validator.New()

	_ = refdataValidate.RegisterValidation("notblank", validateNotBlank)
	refdataValidate.RegisterCustomTypeFunc(dateValue, strfmt.Date{})
}

// dateValue lets "required" see a zero strfmt.Date as empty.
func dateValue(v reflect.Value) interface{} {
	if d, ok := v.Interface().(strfmt.Date); ok {
		return time.Time(d)
	}
	return nil
}

// validateNotBlank rejects empty and whitespace-only strings. "required"
// alone would accept "   " as a firm name.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Validate checks a payload against its struct tags.
//
// # Inputs
//
//   - v: EntityInput, EntityPatch, RecordInput, RecordPatch (or pointers).
//
// # Outputs
//
//   - error: validator.ValidationErrors describing every failed field, or nil.
func Validate(v any) error {
	return refdataValidate.Struct(v)
}

// Validator exposes the shared instance for packages that validate their
// own structs (configuration).
func Validator() *validator.Validate {
	return refdataValidate
}
