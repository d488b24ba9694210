// Package value implements the store's tagged-union Value type: a String,
// an Integer, or a Map of string to Value. JSON is the canonical wire and
// on-disk encoding, matching the client protocol in spec section 6.
package value

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which arm of the union a Value holds.
type Kind uint8

const (
	String Kind = iota
	Integer
	Map
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the three JSON-representable shapes the
// store persists. Only one of Str/Int/M is meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	M    map[string]Value
}

// NewString wraps s as a String value.
func NewString(s string) Value { return Value{Kind: String, Str: s} }

// NewInteger wraps i as an Integer value.
func NewInteger(i int64) Value { return Value{Kind: Integer, Int: i} }

// NewMap wraps m as a Map value.
func NewMap(m map[string]Value) Value { return Value{Kind: Map, M: m} }

// IsInteger reports whether v holds an Integer.
func (v Value) IsInteger() bool { return v.Kind == Integer }

// Field extracts a top-level field of a Map value for indexing. It returns
// ok=false for non-map values or a missing field.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind != Map {
		return Value{}, false
	}
	f, ok := v.M[name]
	return f, ok
}

// Text extracts the searchable text of a value: the string itself for a
// String, the concatenation of string-valued fields for a Map, and the
// decimal representation for an Integer.
func (v Value) Text() string {
	switch v.Kind {
	case String:
		return v.Str
	case Integer:
		return fmt.Sprintf("%d", v.Int)
	case Map:
		var out string
		for _, f := range v.M {
			if f.Kind == String {
				if out != "" {
					out += " "
				}
				out += f.Str
			}
		}
		return out
	default:
		return ""
	}
}

// MarshalJSON renders a Value the way a client would send it: a bare JSON
// string, number, or object, never a wrapper with an explicit Kind tag.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case String:
		return json.Marshal(v.Str)
	case Integer:
		return json.Marshal(v.Int)
	case Map:
		return json.Marshal(v.M)
	default:
		return json.Marshal(nil)
	}
}

// UnmarshalJSON infers the Kind from the JSON shape: a number becomes
// Integer (rejecting non-integral numbers), a string becomes String, an
// object becomes Map, recursively.
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	converted, err := fromInterface(probe)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

func fromInterface(x interface{}) (Value, error) {
	switch t := x.(type) {
	case string:
		return NewString(t), nil
	case float64:
		if t != float64(int64(t)) {
			return Value{}, fmt.Errorf("value: non-integer number %v not supported", t)
		}
		return NewInteger(int64(t)), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, raw := range t {
			nested, err := fromInterface(raw)
			if err != nil {
				return Value{}, err
			}
			m[k] = nested
		}
		return NewMap(m), nil
	case nil:
		return NewString(""), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported JSON shape %T", x)
	}
}
