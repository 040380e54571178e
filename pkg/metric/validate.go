package metric

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signalfold/pulse/core/pkg/predicate"
)

// ErrInvalidSpec wraps every validation failure so callers can treat them as
// one class of rejection.
var ErrInvalidSpec = errors.New("metric: invalid spec")

const specSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "event_category", "threshold", "window_seconds", "severity"],
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": "string", "maxLength": 2000},
		"event_category": {"type": "string", "minLength": 1, "maxLength": 100},
		"filter_json": {"type": "string"},
		"threshold": {"type": "integer", "minimum": 1},
		"window_seconds": {"type": "integer", "minimum": 1},
		"severity": {"enum": ["low", "medium", "high", "critical"]}
	}
}`

// Validator gates metric definitions before they reach the store: document
// shape via a compiled JSON Schema, then the filter via the predicate
// language. Stored rows that predate this gate still evaluate fail-open; new
// definitions do not get to rely on that.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the spec schema once.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://pulse.schemas.local/metric-spec.schema.json"
	if err := c.AddResource(url, strings.NewReader(specSchemaJSON)); err != nil {
		return nil, fmt.Errorf("metric: failed to load spec schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("metric: failed to compile spec schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate returns ErrInvalidSpec (with detail) when spec cannot become a
// metric definition.
func (v *Validator) Validate(spec Spec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if _, err := predicate.Parse(spec.FilterJSON); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return nil
}
