// Package jsonvalue implements a small tagged recursive variant for the
// arbitrary tree-shaped data that flows through tool calls: arguments sent
// to the upstream and responses received back. TransformPipeline and
// SchemaValidator both walk this tree by dotted path instead of reflecting
// over Go structs, since tool schemas are not known at compile time.
package jsonvalue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant stored in a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged union over the JSON data model. Only the field matching
// Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Arr    []Value
	Obj    map[string]Value
	// keys holds the sorted object keys set by FromAny; MarshalJSON sorts
	// Obj's keys itself and does not read this field.
	keys []string
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

// FromAny converts a decoded `any` (as produced by encoding/json.Unmarshal
// into an `any`) into a Value tree.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case float64:
		return Value{Kind: KindNumber, Number: t}
	case int:
		return Value{Kind: KindNumber, Number: float64(t)}
	case string:
		return Value{Kind: KindString, Str: t}
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = FromAny(e)
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(map[string]Value, len(t))
		for _, k := range keys {
			obj[k] = FromAny(t[k])
		}
		return Value{Kind: KindObject, Obj: obj, keys: keys}
	default:
		return Null
	}
}

// ParseJSON decodes raw JSON bytes into a Value tree. Empty input decodes
// to an empty object, matching the ResponseCache convention that undefined
// args are equivalent to "{}".
func ParseJSON(raw []byte) (Value, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Value{Kind: KindObject, Obj: map[string]Value{}}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, fmt.Errorf("parsing json value: %w", err)
	}
	return FromAny(v), nil
}

// ToAny converts a Value tree back to a plain `any` tree suitable for
// json.Marshal or further interface{}-based processing.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Number
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = e.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, val := range v.Obj {
			out[k] = val.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler, encoding object keys in sorted
// order so the result is canonical (used for cache-key hashing).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		if v.Bool {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindNumber:
		return []byte(strconv.FormatFloat(v.Number, 'g', -1, 64)), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		parts := make([]string, len(v.Arr))
		for i, e := range v.Arr {
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			parts[i] = string(b)
		}
		return []byte("[" + strings.Join(parts, ",") + "]"), nil
	case KindObject:
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := v.Obj[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			parts = append(parts, string(kb)+":"+string(vb))
		}
		return []byte("{" + strings.Join(parts, ",") + "}"), nil
	default:
		return []byte("null"), nil
	}
}

// Clone performs a deep copy of the value tree, used by TransformPipeline
// to guarantee it never mutates its input.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindArray:
		arr := make([]Value, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = e.Clone()
		}
		return Value{Kind: KindArray, Arr: arr}
	case KindObject:
		obj := make(map[string]Value, len(v.Obj))
		for k, e := range v.Obj {
			obj[k] = e.Clone()
		}
		return Value{Kind: KindObject, Obj: obj}
	default:
		return v
	}
}

// splitPath splits a dotted path like "a.b.c" into its segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get walks a dotted path and returns the value found there, or false if
// any segment is missing.
func (v Value) Get(path string) (Value, bool) {
	segs := splitPath(path)
	cur := v
	for _, seg := range segs {
		if cur.Kind != KindObject {
			return Value{}, false
		}
		next, ok := cur.Obj[seg]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Set writes value at the given dotted path, creating intermediate objects
// as needed. Set mutates the receiver in place and is intended to be
// called on a value already obtained via Clone.
func (v *Value) Set(path string, value Value) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("set: empty path")
	}
	return v.setRec(segs, value)
}

// Remove deletes the leaf named by path, if present.
func (v *Value) Remove(path string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return
	}
	removeRec(v, segs)
}

func removeRec(v *Value, segs []string) {
	if v.Kind != KindObject {
		return
	}
	if len(segs) == 1 {
		delete(v.Obj, segs[0])
		return
	}
	child, ok := v.Obj[segs[0]]
	if !ok {
		return
	}
	removeRec(&child, segs[1:])
	v.Obj[segs[0]] = child
}

// Rename moves the value at from to to, deleting from, if from exists.
func (v *Value) Rename(from, to string) bool {
	val, ok := v.Get(from)
	if !ok {
		return false
	}
	v.Remove(from)
	_ = v.setRec(splitPath(to), val)
	return true
}

// setRec is the recursive implementation backing Set; Set itself is kept
// as the documented entry point but delegates here (Go map values cannot
// be addressed directly, so every level must be rewritten on the way back
// up the recursion).
func (v *Value) setRec(segs []string, value Value) error {
	if len(segs) == 0 {
		return fmt.Errorf("setRec: empty path")
	}
	if v.Kind != KindObject || v.Obj == nil {
		*v = Value{Kind: KindObject, Obj: map[string]Value{}}
	}
	if len(segs) == 1 {
		v.Obj[segs[0]] = value
		return nil
	}
	child, ok := v.Obj[segs[0]]
	if !ok || child.Kind != KindObject {
		child = Value{Kind: KindObject, Obj: map[string]Value{}}
	}
	if err := child.setRec(segs[1:], value); err != nil {
		return err
	}
	v.Obj[segs[0]] = child
	return nil
}
