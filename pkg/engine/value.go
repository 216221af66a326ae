package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValueKind identifies the variant held by a Value.
type ValueKind uint8

const (
	// KindEmpty is the zero value: no payload.
	KindEmpty ValueKind = iota

	// KindText carries a single string.
	KindText

	// KindList carries an ordered list of values. Barrier nodes with several
	// inbound edges receive their inputs as a list in edge insertion order.
	KindList
)

// String returns the lowercase name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindText:
		return "text"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the payload exchanged between blocks.
// The zero Value is Empty. Values are immutable once constructed.
type Value struct {
	kind  ValueKind
	text  string
	items []Value
}

// Empty returns the empty value.
func Empty() Value {
	return Value{}
}

// Text returns a text value.
func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

// List returns a list value holding a copy of items.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, items: cp}
}

// TextList returns a list of text values.
func TextList(items []string) Value {
	vals := make([]Value, len(items))
	for i, s := range items {
		vals[i] = Text(s)
	}
	return Value{kind: KindList, items: vals}
}

// Kind returns the variant of v.
func (v Value) Kind() ValueKind {
	return v.kind
}

// IsEmpty reports whether v is Empty.
func (v Value) IsEmpty() bool {
	return v.kind == KindEmpty
}

// String renders v as text. Lists render their non-empty items joined by newlines.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindList:
		parts := make([]string, 0, len(v.items))
		for _, item := range v.items {
			if item.IsEmpty() {
				continue
			}
			parts = append(parts, item.String())
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// Items returns the items of a list. A text value is returned as a single item
// list and Empty as nil.
func (v Value) Items() []Value {
	switch v.kind {
	case KindList:
		cp := make([]Value, len(v.items))
		copy(cp, v.items)
		return cp
	case KindText:
		return []Value{v}
	default:
		return nil
	}
}

// Strings returns the text of every item of v.
func (v Value) Strings() []string {
	items := v.Items()
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.String()
	}
	return out
}

// Equal reports whether v and other hold the same variant and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindText:
		return v.text == other.text
	case KindList:
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// GoString implements fmt.GoStringer for readable test failures.
func (v Value) GoString() string {
	switch v.kind {
	case KindText:
		return fmt.Sprintf("Text(%q)", v.text)
	case KindList:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.GoString()
		}
		return "List(" + strings.Join(parts, ", ") + ")"
	default:
		return "Empty"
	}
}

// MarshalJSON encodes Empty as null, Text as a string and List as an array.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindText:
		return json.Marshal(v.text)
	case KindList:
		return json.Marshal(v.items)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes null, strings and arrays of those.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := valueFromJSON(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func valueFromJSON(raw interface{}) (Value, error) {
	switch r := raw.(type) {
	case nil:
		return Empty(), nil
	case string:
		return Text(r), nil
	case []interface{}:
		items := make([]Value, len(r))
		for i, item := range r {
			val, err := valueFromJSON(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = val
		}
		return Value{kind: KindList, items: items}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value payload %T", raw)
	}
}
