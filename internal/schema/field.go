// Package schema holds the placeholder schema model and the pure functions
// that validate, compare and merge schemas. Nothing in this package performs
// I/O or returns an error; problems are reported as values.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType is the kind of value a placeholder expects.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeDate    FieldType = "date"
	TypeBoolean FieldType = "boolean"
	TypeEnum    FieldType = "enum"
	TypeAddress FieldType = "address"
	TypePhone   FieldType = "phone"
	TypeEmail   FieldType = "email"
)

var allowedTypes = map[FieldType]struct{}{
	TypeString:  {},
	TypeNumber:  {},
	TypeDate:    {},
	TypeBoolean: {},
	TypeEnum:    {},
	TypeAddress: {},
	TypePhone:   {},
	TypeEmail:   {},
}

// Valid reports whether t is one of the enumerated field types.
func (t FieldType) Valid() bool {
	_, ok := allowedTypes[t]
	return ok
}

// Location is a structural hint pointing at where a placeholder sits in the
// source document.
type Location struct {
	Page    int    `json:"page,omitempty" cbor:"page,omitempty"`
	Section string `json:"section,omitempty" cbor:"section,omitempty"`
	Anchor  string `json:"anchor,omitempty" cbor:"anchor,omitempty"`
}

func (l Location) String() string {
	return fmt.Sprintf("p%d/%s#%s", l.Page, l.Section, l.Anchor)
}

// PlaceholderField is one entry of a placeholder schema. FieldKey is its
// identity within a schema.
type PlaceholderField struct {
	FieldKey   string     `json:"field_key" cbor:"field_key"`
	Label      string     `json:"label" cbor:"label"`
	Type       FieldType  `json:"type" cbor:"type"`
	Locations  []Location `json:"locations" cbor:"locations"`
	Required   bool       `json:"required" cbor:"required"`
	Options    []string   `json:"options,omitempty" cbor:"options,omitempty"`
	Confidence float64    `json:"confidence,omitempty" cbor:"confidence,omitempty"`
}

// locationKey is the canonical signature of a field's locations: the
// rendered locations sorted and joined. Fields without locations return "".
func (f PlaceholderField) locationKey() string {
	if len(f.Locations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.Locations))
	for _, loc := range f.Locations {
		parts = append(parts, loc.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// Clone returns a deep copy of fields. A nil input yields an empty, non-nil
// slice so callers can marshal it as [].
func Clone(fields []PlaceholderField) []PlaceholderField {
	out := make([]PlaceholderField, 0, len(fields))
	for _, field := range fields {
		out = append(out, cloneField(field))
	}
	return out
}

func cloneField(field PlaceholderField) PlaceholderField {
	copied := field
	if field.Locations != nil {
		copied.Locations = append([]Location(nil), field.Locations...)
	}
	if field.Options != nil {
		copied.Options = append([]string(nil), field.Options...)
	}
	return copied
}

// Keys returns the field keys of fields in order.
func Keys(fields []PlaceholderField) []string {
	keys := make([]string, 0, len(fields))
	for _, field := range fields {
		keys = append(keys, field.FieldKey)
	}
	return keys
}

// Find returns the first field with the given key.
func Find(fields []PlaceholderField, key string) (PlaceholderField, bool) {
	for _, field := range fields {
		if field.FieldKey == key {
			return field, true
		}
	}
	return PlaceholderField{}, false
}
