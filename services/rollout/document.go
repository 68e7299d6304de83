package rollout

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind enumerates the node types a Value can hold.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a JSON document node. Stage filters arrive as opaque JSON and are
// carried through rendering untouched; modelling them as a tagged union keeps
// the conversion to the deployment API's generic tree explicit instead of
// leaning on runtime type inspection.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null Value. The zero Value is also null.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array wraps an ordered list of Values.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object wraps a field map.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind reports the node type.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null node.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface converts the value into the nested map/slice tree the deployment
// APIs accept for opaque sub-documents.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for key, item := range v.obj {
			out[key] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// Field returns the named field of an object node and whether it exists.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	item, ok := v.obj[name]
	return item, ok
}

// FieldNames returns the sorted field names of an object node.
func (v Value) FieldNames() []string {
	if v.kind != KindObject {
		return nil
	}
	names := make([]string, 0, len(v.obj))
	for name := range v.obj {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromJSON decodes raw JSON into a Value tree.
func FromJSON(data []byte) (Value, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Null(), err
	}
	return fromAny(decoded)
}

// MarshalJSON re-encodes the value as the JSON it was built from.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes raw JSON in place, so Value works as a struct field
// type for opaque sub-documents.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, raw := range t {
			item, err := fromAny(raw)
			if err != nil {
				return Null(), err
			}
			items[i] = item
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for key, raw := range t {
			item, err := fromAny(raw)
			if err != nil {
				return Null(), err
			}
			fields[key] = item
		}
		return Object(fields), nil
	default:
		return Null(), fmt.Errorf("unsupported document node type %T", x)
	}
}
