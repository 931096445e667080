// Package jsonschema compiles JSON Schema documents once and validates
// response bodies against them.
package jsonschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled JSON Schema. It is safe for concurrent use.
type Schema struct {
	schema *jsonschema.Schema
}

// Compile parses and compiles a schema document.
func Compile(schemaStr string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{schema: schema}, nil
}

// Validate checks body against the schema. It returns nil when the body
// conforms and ValidationErrors (one per failing keyword) otherwise.
func (s *Schema) Validate(body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}

	err := s.schema.Validate(doc)
	if err == nil {
		return nil
	}

	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		if errs := extractValidationErrors(validationErr); len(errs) > 0 {
			return errs
		}
	}
	return ValidationErrors{err}
}

// extractValidationErrors flattens the cause tree of a ValidationError.
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	var errs ValidationErrors

	if err.Message != "" && len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		errs = append(errs, fmt.Errorf("validation error at %s: %s", location, err.Message))
	}

	for _, childErr := range err.Causes {
		errs = append(errs, extractValidationErrors(childErr)...)
	}

	return errs
}
