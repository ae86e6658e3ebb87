// Package envelope defines the unit of work that moves between queues: a
// message plus a metadata map of tagged values.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindBool
	KindTime
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "str"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindSet:
		return "set"
	default:
		return "invalid"
	}
}

// Value is one metadata value: a string, integer, boolean, timestamp, or
// an insertion-ordered set of strings.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
	t    time.Time
	set  []string
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Time returns a timestamp value.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

// Set returns a set value. Duplicates are dropped; order is kept.
func Set(items ...string) Value {
	v := Value{kind: KindSet, set: []string{}}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			v.set = append(v.set, it)
		}
	}
	return v
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string variant.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Int returns the integer variant.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Bool returns the boolean variant.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Time returns the timestamp variant.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }

// Items returns a copy of the set variant.
func (v Value) Items() ([]string, bool) {
	if v.kind != KindSet {
		return nil, false
	}
	return append([]string{}, v.set...), true
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	case KindSet:
		if len(v.set) != len(o.set) {
			return false
		}
		for i := range v.set {
			if v.set[i] != o.set[i] {
				return false
			}
		}
		return true
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return fmt.Sprint(v.i)
	case KindBool:
		return fmt.Sprint(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindSet:
		return fmt.Sprint(v.set)
	}
	return "<invalid>"
}

// MarshalJSON encodes v as a single-key object naming its variant.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(map[string]string{"str": v.s})
	case KindInt:
		return json.Marshal(map[string]int64{"int": v.i})
	case KindBool:
		return json.Marshal(map[string]bool{"bool": v.b})
	case KindTime:
		return json.Marshal(map[string]string{"time": v.t.UTC().Format(time.RFC3339Nano)})
	case KindSet:
		return json.Marshal(map[string][]string{"set": v.set})
	}
	return nil, errors.New("envelope: cannot encode invalid value")
}

// UnmarshalJSON decodes the single-key object written by MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("envelope: decoding value: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("envelope: value must have exactly one variant, got %d", len(raw))
	}
	for tag, body := range raw {
		var err error
		switch tag {
		case "str":
			v.kind = KindString
			err = json.Unmarshal(body, &v.s)
		case "int":
			v.kind = KindInt
			err = json.Unmarshal(body, &v.i)
		case "bool":
			v.kind = KindBool
			err = json.Unmarshal(body, &v.b)
		case "time":
			var s string
			if err = json.Unmarshal(body, &s); err == nil {
				v.kind = KindTime
				v.t, err = time.Parse(time.RFC3339Nano, s)
			}
		case "set":
			var items []string
			if err = json.Unmarshal(body, &items); err == nil {
				*v = Set(items...)
			}
		default:
			return fmt.Errorf("envelope: unknown value variant %q", tag)
		}
		if err != nil {
			return fmt.Errorf("envelope: decoding %s value: %w", tag, err)
		}
	}
	return nil
}
