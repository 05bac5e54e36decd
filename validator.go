package cxp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"

	"github.com/qri-io/jsonschema"
)

// RejectionKind classifies why an argument value was rejected.
type RejectionKind string

// The rejection kinds the validator produces.
const (
	RejectMissingRequired RejectionKind = "missing_required_field"
	RejectTypeMismatch    RejectionKind = "type_mismatch"
	RejectConstraint      RejectionKind = "constraint_violation"
)

// Rejection is one structured reason an argument value failed validation.
type Rejection struct {
	Kind RejectionKind `json:"kind"`
	// Path locates the offending value, "" meaning the root.
	Path string `json:"path,omitempty"`
	// Field names the absent property for missing-required rejections.
	Field string `json:"field,omitempty"`
	// Expected and Actual describe a type mismatch.
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	// Constraint names the violated constraint, or carries the schema
	// engine's message for keywords outside the structural walk.
	Constraint string `json:"constraint,omitempty"`
}

func (r Rejection) String() string {
	switch r.Kind {
	case RejectMissingRequired:
		return fmt.Sprintf("missing required field %q at %q", r.Field, r.Path)
	case RejectTypeMismatch:
		return fmt.Sprintf("type mismatch at %q: expected %s, got %s", r.Path, r.Expected, r.Actual)
	default:
		return fmt.Sprintf("constraint violation at %q: %s", r.Path, r.Constraint)
	}
}

// ArgumentSchema is a compiled input schema ready for validation. Compile
// keeps both the structural document, walked natively to produce the
// rejection taxonomy, and the full schema engine, which covers every
// keyword the walk does not.
type ArgumentSchema struct {
	raw      json.RawMessage
	doc      *schemaDoc
	compiled *jsonschema.Schema
}

// schemaDoc is the structural subset of a schema document the validator
// classifies natively: types, required fields, enumerations, numeric and
// string constraints, and additionalProperties.
type schemaDoc struct {
	Type                 string                `json:"type"`
	Properties           map[string]*schemaDoc `json:"properties"`
	Required             []string              `json:"required"`
	AdditionalProperties json.RawMessage       `json:"additionalProperties"`
	Items                *schemaDoc            `json:"items"`
	Enum                 []json.RawMessage     `json:"enum"`
	Minimum              *float64              `json:"minimum"`
	Maximum              *float64              `json:"maximum"`
	MinLength            *int                  `json:"minLength"`
	MaxLength            *int                  `json:"maxLength"`
	Pattern              string                `json:"pattern"`

	pattern *regexp.Regexp
}

// CompileSchema parses and compiles a schema document. The document must be
// a valid JSON Schema; an unparseable document or an invalid pattern is a
// registration-time error, never a dispatch-time one.
func CompileSchema(raw json.RawMessage) (*ArgumentSchema, error) {
	doc := &schemaDoc{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema document: %w", err)
	}
	if err := doc.compilePatterns(); err != nil {
		return nil, err
	}

	compiled := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, compiled); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &ArgumentSchema{
		raw:      append(json.RawMessage(nil), raw...),
		doc:      doc,
		compiled: compiled,
	}, nil
}

// MustCompileSchema is like CompileSchema but panics on error. Intended for
// package-level schema declarations.
func MustCompileSchema(raw string) *ArgumentSchema {
	s, err := CompileSchema(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// JSON returns the schema document as registered.
func (s *ArgumentSchema) JSON() json.RawMessage {
	return s.raw
}

// Validate checks value against the schema and returns the structured
// rejection reasons, empty meaning accepted. Validation is pure: it never
// mutates the value and never invokes a handler. Unknown fields are
// accepted unless the schema sets additionalProperties to false. No type
// coercion is performed; the string "5" never satisfies a numeric type.
//
// A nil or empty value is validated as an empty object.
func (s *ArgumentSchema) Validate(ctx context.Context, value json.RawMessage) []Rejection {
	if len(value) == 0 {
		value = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return []Rejection{{
			Kind:       RejectConstraint,
			Constraint: fmt.Sprintf("arguments are not valid json: %s", err),
		}}
	}

	var rejections []Rejection
	s.doc.walk("", decoded, &rejections)
	if len(rejections) > 0 {
		return rejections
	}

	// The structural walk passed; let the schema engine judge keywords
	// outside the walk (allOf, format, uniqueItems, ...).
	keyErrs, err := s.compiled.ValidateBytes(ctx, value)
	if err != nil {
		return []Rejection{{
			Kind:       RejectConstraint,
			Constraint: fmt.Sprintf("schema evaluation failed: %s", err),
		}}
	}
	for _, ke := range keyErrs {
		rejections = append(rejections, Rejection{
			Kind:       RejectConstraint,
			Path:       strings.TrimPrefix(ke.PropertyPath, "/"),
			Constraint: ke.Message,
		})
	}
	return rejections
}

func (d *schemaDoc) compilePatterns() error {
	if d == nil {
		return nil
	}
	if d.Pattern != "" {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", d.Pattern, err)
		}
		d.pattern = re
	}
	for _, p := range d.Properties {
		if err := p.compilePatterns(); err != nil {
			return err
		}
	}
	return d.Items.compilePatterns()
}

func (d *schemaDoc) walk(path string, value any, rejections *[]Rejection) {
	if d == nil {
		return
	}

	actual := jsonTypeOf(value)
	if d.Type != "" && !typeMatches(d.Type, value) {
		*rejections = append(*rejections, Rejection{
			Kind:     RejectTypeMismatch,
			Path:     path,
			Expected: d.Type,
			Actual:   actual,
		})
		return
	}

	if len(d.Enum) > 0 && !d.enumContains(value) {
		*rejections = append(*rejections, Rejection{
			Kind:       RejectConstraint,
			Path:       path,
			Constraint: "enum",
		})
	}

	switch v := value.(type) {
	case map[string]any:
		for _, name := range d.Required {
			if _, ok := v[name]; !ok {
				*rejections = append(*rejections, Rejection{
					Kind:  RejectMissingRequired,
					Path:  joinPath(path, name),
					Field: name,
				})
			}
		}
		if d.forbidsAdditional() {
			for name := range v {
				if _, ok := d.Properties[name]; !ok {
					*rejections = append(*rejections, Rejection{
						Kind:       RejectConstraint,
						Path:       joinPath(path, name),
						Constraint: "additionalProperties",
					})
				}
			}
		}
		for name, sub := range d.Properties {
			if pv, ok := v[name]; ok {
				sub.walk(joinPath(path, name), pv, rejections)
			}
		}
	case []any:
		if d.Items != nil {
			for i, item := range v {
				d.Items.walk(joinPath(path, fmt.Sprintf("%d", i)), item, rejections)
			}
		}
	case string:
		if d.MinLength != nil && len([]rune(v)) < *d.MinLength {
			*rejections = append(*rejections, Rejection{Kind: RejectConstraint, Path: path, Constraint: "minLength"})
		}
		if d.MaxLength != nil && len([]rune(v)) > *d.MaxLength {
			*rejections = append(*rejections, Rejection{Kind: RejectConstraint, Path: path, Constraint: "maxLength"})
		}
		if d.pattern != nil && !d.pattern.MatchString(v) {
			*rejections = append(*rejections, Rejection{Kind: RejectConstraint, Path: path, Constraint: "pattern"})
		}
	case float64:
		if d.Minimum != nil && v < *d.Minimum {
			*rejections = append(*rejections, Rejection{Kind: RejectConstraint, Path: path, Constraint: "minimum"})
		}
		if d.Maximum != nil && v > *d.Maximum {
			*rejections = append(*rejections, Rejection{Kind: RejectConstraint, Path: path, Constraint: "maximum"})
		}
	}
}

func (d *schemaDoc) enumContains(value any) bool {
	for _, raw := range d.Enum {
		var candidate any
		if err := json.Unmarshal(raw, &candidate); err != nil {
			continue
		}
		if reflect.DeepEqual(candidate, value) {
			return true
		}
	}
	return false
}

func (d *schemaDoc) forbidsAdditional() bool {
	return bytesEqualFold(d.AdditionalProperties, "false")
}

func bytesEqualFold(raw json.RawMessage, want string) bool {
	return strings.TrimSpace(string(raw)) == want
}

func joinPath(base, elem string) string {
	if base == "" {
		return elem
	}
	return base + "/" + elem
}

func jsonTypeOf(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if v == math.Trunc(v) {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "integer":
		v, ok := value.(float64)
		return ok && v == math.Trunc(v)
	case "number":
		_, ok := value.(float64)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
