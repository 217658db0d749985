package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// ValueKind is the type of a metadata scalar.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
)

// String returns the schema name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// ParseValueKind maps a schema name to a ValueKind.
func ParseValueKind(s string) (ValueKind, error) {
	switch s {
	case "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "bool", "boolean":
		return KindBool, nil
	}
	return 0, fmt.Errorf("%w: unknown field kind %q", ErrInvalidMetadata, s)
}

// Value is a metadata scalar: a string, a number or a bool.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

// String builds a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number builds a numeric value.
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// Bool builds a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	}
	return false
}

// Compare orders two values of the same kind. ok is false when the values
// are not ordered (different kinds, or bools).
func (v Value) Compare(o Value) (cmp int, ok bool) {
	if v.Kind != o.Kind {
		return 0, false
	}
	switch v.Kind {
	case KindString:
		switch {
		case v.Str < o.Str:
			return -1, true
		case v.Str > o.Str:
			return 1, true
		}
		return 0, true
	case KindNumber:
		switch {
		case v.Num < o.Num:
			return -1, true
		case v.Num > o.Num:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// MarshalJSON encodes the value as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts a JSON string, number or bool.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueOf converts a decoded JSON scalar into a Value.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		return Number(f), nil
	case float64:
		return Number(x), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	}
	return Value{}, fmt.Errorf("%w: metadata values must be strings, numbers or booleans, got %T", ErrInvalidMetadata, raw)
}

// Metadata maps string keys to scalar values.
type Metadata map[string]Value

// Merge returns a new map holding m overridden by overrides.
func (m Metadata) Merge(overrides Metadata) Metadata {
	out := make(Metadata, len(m)+len(overrides))
	maps.Copy(out, m)
	maps.Copy(out, overrides)
	return out
}

// Clone returns a copy of the map, or nil for a nil map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
