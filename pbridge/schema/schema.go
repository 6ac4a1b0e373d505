// Package schema provides a small tagged-variant schema tree used to describe
// tool inputs and outputs, and to validate model-issued payloads against them.
//
// A Schema renders to a JSON Schema document with ToJSONSchema; validation is
// performed by gojsonschema against that rendering so the tree never carries
// its own validation rules.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kind tags the variant a Schema node represents.
type Kind string

const (
	KindObject  Kind = "object"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	KindUnion   Kind = "union"
	KindArray   Kind = "array"
	KindAny     Kind = "any"
	KindRaw     Kind = "raw"
)

// ErrInvalid is wrapped by Result.Err when a value fails validation.
var ErrInvalid = errors.New("schema: value does not match schema")

// Schema is one node of the schema tree. Only the fields relevant to Kind are used.
type Schema struct {
	Kind        Kind
	Description string

	Properties map[string]*Schema // object
	Required   []string           // object
	Items      *Schema            // array
	Values     []any              // enum
	Variants   []*Schema          // union

	raw map[string]any
}

// Object describes a JSON object with the given properties.
func Object(props map[string]*Schema, required ...string) *Schema {
	if props == nil {
		props = map[string]*Schema{}
	}
	return &Schema{Kind: KindObject, Properties: props, Required: required}
}

func String() *Schema  { return &Schema{Kind: KindString} }
func Number() *Schema  { return &Schema{Kind: KindNumber} }
func Integer() *Schema { return &Schema{Kind: KindInteger} }
func Boolean() *Schema { return &Schema{Kind: KindBoolean} }
func Any() *Schema     { return &Schema{Kind: KindAny} }

// Enum accepts exactly one of values.
func Enum(values ...any) *Schema {
	return &Schema{Kind: KindEnum, Values: values}
}

// Union accepts a value matching at least one variant.
func Union(variants ...*Schema) *Schema {
	return &Schema{Kind: KindUnion, Variants: variants}
}

// Array describes a JSON array whose elements match items. A nil items accepts any element.
func Array(items *Schema) *Schema {
	return &Schema{Kind: KindArray, Items: items}
}

// Raw wraps an existing JSON Schema document.
func Raw(doc []byte) (*Schema, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("schema: invalid JSON Schema document: %w", err)
	}
	return &Schema{Kind: KindRaw, raw: m}, nil
}

// MustRaw is like Raw but panics on error. Intended for package-level literals.
func MustRaw(doc string) *Schema {
	s, err := Raw([]byte(doc))
	if err != nil {
		panic(err)
	}
	return s
}

// Describe returns a copy of s carrying the given description.
func (s *Schema) Describe(description string) *Schema {
	c := *s
	c.Description = description
	return &c
}

// ToJSONSchema renders the tree as a JSON Schema document.
func (s *Schema) ToJSONSchema() map[string]any {
	if s == nil {
		return map[string]any{}
	}

	var out map[string]any
	switch s.Kind {
	case KindObject:
		props := make(map[string]any, len(s.Properties))
		for name, p := range s.Properties {
			props[name] = p.ToJSONSchema()
		}
		out = map[string]any{"type": "object", "properties": props}
		if len(s.Required) > 0 {
			req := make([]any, len(s.Required))
			for i, r := range s.Required {
				req[i] = r
			}
			out["required"] = req
		}
	case KindString, KindNumber, KindInteger, KindBoolean:
		out = map[string]any{"type": string(s.Kind)}
	case KindEnum:
		vals := make([]any, len(s.Values))
		copy(vals, s.Values)
		out = map[string]any{"enum": vals}
	case KindUnion:
		variants := make([]any, len(s.Variants))
		for i, v := range s.Variants {
			variants[i] = v.ToJSONSchema()
		}
		out = map[string]any{"anyOf": variants}
	case KindArray:
		out = map[string]any{"type": "array"}
		if s.Items != nil {
			out["items"] = s.Items.ToJSONSchema()
		}
	case KindRaw:
		out = make(map[string]any, len(s.raw))
		for k, v := range s.raw {
			out[k] = v
		}
	default:
		out = map[string]any{}
	}

	if s.Description != "" {
		out["description"] = s.Description
	}
	return out
}

// MarshalJSON renders the schema as JSON Schema.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToJSONSchema())
}

// Result is the outcome of a validation.
type Result struct {
	Valid  bool
	Errors []string
}

// Err returns nil for a valid result and an ErrInvalid-wrapped diagnostic otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(r.Errors, "; "))
}

// Validate checks value against the schema. A nil schema accepts everything.
func (s *Schema) Validate(value any) Result {
	if s == nil {
		return Result{Valid: true}
	}

	compiled, err := defaultCache.compile(s)
	if err != nil {
		return Result{Errors: []string{err.Error()}}
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("validation failed: %v", err)}}
	}
	if result.Valid() {
		return Result{Valid: true}
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return Result{Errors: errs}
}
