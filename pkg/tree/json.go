package tree

import (
	"encoding/json"
	"fmt"
	"math"
)

// FromInterface converts the output of encoding/json (or plain Go literals)
// into a Value.
func FromInterface(in interface{}) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %v", x, err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case []interface{}:
		arr := make([]Value, len(x))
		for i, item := range x {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Value{kind: KindArray, arr: arr}, nil
	case []Value:
		return Array(x...), nil
	case map[string]interface{}:
		obj := make(map[string]Value, len(x))
		for k, item := range x {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{kind: KindObject, obj: obj}, nil
	case map[string]Value:
		return Object(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", in)
	}
}

// MustFromInterface is FromInterface for literals known to be valid.
func MustFromInterface(in interface{}) Value {
	v, err := FromInterface(in)
	if err != nil {
		panic(err)
	}
	return v
}

// Interface converts v into plain Go values. Non-finite numbers become nil,
// matching how they are rendered on the wire.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return nil
		}
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Parse decodes a JSON document into a Value.
func Parse(data []byte) (Value, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, fmt.Errorf("failed to decode value: %w", err)
	}
	return FromInterface(raw)
}

// ParseLoose decodes s as JSON and falls back to the raw string when s is not
// well-formed, so "42" is a number, "true" a bool and "hello" a string.
func ParseLoose(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		return String(s)
	}
	return v
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid %s>", v.kind)
	}
	return string(b)
}
