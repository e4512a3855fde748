// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

// Package validation checks protocol payloads and repository inputs using
// go-playground/validator v10 before anything reaches the geo store.
//
// Features:
//   - Singleton validator instance (thread-safe, caches struct info)
//   - Field names reported by their JSON wire name
//   - Struct-level rules for viewport boxes and region filters
//   - A single error type, *ValidationError, matched with errors.As
//
// Example usage:
//
//	var update models.MapViewUpdate
//	if err := json.Unmarshal(data, &update); err != nil { ... }
//	if err := validation.ValidateStruct(&update); err != nil {
//	    logging.Warn().Err(err).Msg("Dropping malformed refresh-map-view")
//	    return
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
)

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes one field that failed validation.
type FieldError struct {
	field   string
	tag     string
	param   string
	value   interface{}
	message string
}

// Field returns the wire name of the field that failed validation.
func (e FieldError) Field() string {
	return e.field
}

// Tag returns the validation tag that failed.
func (e FieldError) Tag() string {
	return e.tag
}

// Param returns the parameter for the validation tag (e.g., "90" for "max=90").
func (e FieldError) Param() string {
	return e.param
}

// Value returns the actual value that failed validation.
func (e FieldError) Value() interface{} {
	return e.value
}

// Error returns a human-readable error message.
func (e FieldError) Error() string {
	return e.message
}

// ValidationError is returned for malformed input. It never reaches the store.
type ValidationError struct {
	fields []FieldError
}

// New builds a ValidationError for a single field.
func New(field, tag, message string) *ValidationError {
	return &ValidationError{fields: []FieldError{{field: field, tag: tag, message: message}}}
}

// Fields returns the individual field failures.
func (ve *ValidationError) Fields() []FieldError {
	return ve.fields
}

// Error implements the error interface, returning a combined error message.
func (ve *ValidationError) Error() string {
	if len(ve.fields) == 0 {
		return "validation failed"
	}

	messages := make([]string, 0, len(ve.fields))
	for _, fe := range ve.fields {
		messages = append(messages, fe.Error())
	}
	return "validation failed: " + strings.Join(messages, "; ")
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GetValidator returns the singleton validator instance.
// The validator is initialized once with custom rules and options.
// This function is thread-safe.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" {
				name = fld.Tag.Get("koanf")
			}
			if name == "-" {
				return ""
			}
			return name
		})

		validate.RegisterStructValidation(boundsLevel, geo.Bounds{})
		validate.RegisterStructValidation(regionFilterLevel, models.RegionFilter{})
	})

	return validate
}

// boundsLevel rejects boxes whose south-west corner lies north of the
// north-east corner. Longitude order is free: a reversed pair wraps the
// antimeridian.
func boundsLevel(sl validator.StructLevel) {
	b, ok := sl.Current().Interface().(geo.Bounds)
	if !ok {
		return
	}
	if b.SouthWest.Latitude > b.NorthEast.Latitude {
		sl.ReportError(b.SouthWest.Latitude, "southWest", "SouthWest", "boxlat", "")
	}
}

// regionFilterLevel rejects a wildcard mixed with explicit regions.
func regionFilterLevel(sl validator.StructLevel) {
	f, ok := sl.Current().Interface().(models.RegionFilter)
	if !ok || len(f.Include) < 2 {
		return
	}
	for _, in := range f.Include {
		if in == models.AnyRegion {
			sl.ReportError(f.Include, "include", "Include", "wildcard", "")
			return
		}
	}
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil if validation passes, or a *ValidationError if it fails.
func ValidateStruct(s interface{}) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		// InvalidValidationError: nil or non-struct input
		return New("unknown", "unknown", err.Error())
	}

	fields := make([]FieldError, len(validationErrs))
	for i, fieldErr := range validationErrs {
		fields[i] = FieldError{
			field:   fieldPath(fieldErr),
			tag:     fieldErr.Tag(),
			param:   fieldErr.Param(),
			value:   fieldErr.Value(),
			message: translateError(fieldErr),
		}
	}

	return &ValidationError{fields: fields}
}

// fieldPath drops the root struct name from the namespace, e.g.
// "MapViewUpdate.corners.northEast.latitude" becomes "corners.northEast.latitude".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// errorMessageTemplates maps validation tags to message templates.
var errorMessageTemplates = map[string]string{
	"required": "%s is required",
	"boxlat":   "%s must not lie north of the north-east corner",
	"wildcard": "%s cannot mix \"*\" with explicit regions",
}

// translateError converts a validator.FieldError to a human-readable message.
func translateError(fe validator.FieldError) string {
	field := fieldPath(fe)

	if template, ok := errorMessageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(template, field)
	}

	switch fe.Tag() {
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
