// Package schema implements the SchemaValidator: a deliberately small
// JSON-Schema subset (type, required, enum, minimum/maximum,
// minLength/maxLength, pattern, items, properties) evaluated directly
// over a jsonvalue.Value tree rather than a generic interface{}
// document, so TransformPipeline and SchemaValidator share one tree
// representation.
//
// This is hand-rolled rather than wired to santhosh-tekuri/jsonschema:
// that library compiles schemas against interface{} trees with no
// path-rewrite API, so adopting it would mean maintaining two separate
// tree representations for validate vs. transform. See the jsonvalue
// package doc comment for the shared tree representation.
package schema

import (
	"fmt"
	"regexp"

	"github.com/walker77/paygate-core/pkg/jsonvalue"
)

// Type names recognized by the "type" keyword.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeNull    = "null"
)

// Schema is one node of the validation tree, covering a deliberately
// small JSON-Schema subset.
type Schema struct {
	Type       string
	Required   []string
	Enum       []jsonvalue.Value
	Minimum    *float64
	Maximum    *float64
	MinLength  *int
	MaxLength  *int
	Pattern    string
	Items      *Schema
	Properties map[string]*Schema
}

// Violation describes one failed constraint, with enough path context to
// locate it in the original document.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Validate checks value against s, returning every violation found (it
// does not stop at the first).
func Validate(s *Schema, value jsonvalue.Value) []Violation {
	return validateAt(s, value, "")
}

func validateAt(s *Schema, value jsonvalue.Value, path string) []Violation {
	if s == nil {
		return nil
	}
	var out []Violation

	if s.Type != "" && !typeMatches(s.Type, value) {
		out = append(out, Violation{Path: path, Message: fmt.Sprintf("expected type %s, got %s", s.Type, kindName(value.Kind))})
		// A type mismatch makes further structural checks meaningless.
		return out
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		out = append(out, Violation{Path: path, Message: "value not in enum"})
	}

	switch value.Kind {
	case jsonvalue.KindNumber:
		if s.Minimum != nil && value.Number < *s.Minimum {
			out = append(out, Violation{Path: path, Message: fmt.Sprintf("value %v below minimum %v", value.Number, *s.Minimum)})
		}
		if s.Maximum != nil && value.Number > *s.Maximum {
			out = append(out, Violation{Path: path, Message: fmt.Sprintf("value %v above maximum %v", value.Number, *s.Maximum)})
		}
	case jsonvalue.KindString:
		if s.MinLength != nil && len(value.Str) < *s.MinLength {
			out = append(out, Violation{Path: path, Message: fmt.Sprintf("length %d below minLength %d", len(value.Str), *s.MinLength)})
		}
		if s.MaxLength != nil && len(value.Str) > *s.MaxLength {
			out = append(out, Violation{Path: path, Message: fmt.Sprintf("length %d above maxLength %d", len(value.Str), *s.MaxLength)})
		}
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				out = append(out, Violation{Path: path, Message: fmt.Sprintf("invalid pattern %q: %v", s.Pattern, err)})
			} else if !re.MatchString(value.Str) {
				out = append(out, Violation{Path: path, Message: fmt.Sprintf("value does not match pattern %q", s.Pattern)})
			}
		}
	case jsonvalue.KindArray:
		if s.Items != nil {
			for i, elem := range value.Arr {
				out = append(out, validateAt(s.Items, elem, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	case jsonvalue.KindObject:
		for _, req := range s.Required {
			if _, ok := value.Obj[req]; !ok {
				out = append(out, Violation{Path: joinPath(path, req), Message: "required property missing"})
			}
		}
		for name, propSchema := range s.Properties {
			if fieldVal, ok := value.Obj[name]; ok {
				out = append(out, validateAt(propSchema, fieldVal, joinPath(path, name))...)
			}
		}
	}

	return out
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func kindName(k jsonvalue.Kind) string {
	switch k {
	case jsonvalue.KindNull:
		return TypeNull
	case jsonvalue.KindBool:
		return TypeBoolean
	case jsonvalue.KindNumber:
		return TypeNumber
	case jsonvalue.KindString:
		return TypeString
	case jsonvalue.KindArray:
		return TypeArray
	case jsonvalue.KindObject:
		return TypeObject
	default:
		return "unknown"
	}
}

func typeMatches(want string, v jsonvalue.Value) bool {
	switch want {
	case TypeInteger:
		return v.Kind == jsonvalue.KindNumber && v.Number == float64(int64(v.Number))
	default:
		return kindName(v.Kind) == want
	}
}

func enumContains(enum []jsonvalue.Value, v jsonvalue.Value) bool {
	vb, err := v.MarshalJSON()
	if err != nil {
		return false
	}
	for _, e := range enum {
		eb, err := e.MarshalJSON()
		if err == nil && string(eb) == string(vb) {
			return true
		}
	}
	return false
}
