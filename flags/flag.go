// Package flags holds the feature flag model and the draft engine used to
// edit it.
//
// The engine is a pure state transformer: it never performs I/O. A canonical
// Map is turned into an editable draft, edits are applied field by field, and
// the draft is reconciled back into a canonical payload when the caller saves.
package flags

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrDraftOpen    = errors.New("flags: another draft is already open")
	ErrNoDraft      = errors.New("flags: no draft open")
	ErrUnknownFlag  = errors.New("flags: unknown flag")
	ErrUnknownField = errors.New("flags: unknown field")
	ErrInvalidState = errors.New("flags: invalid state")
)

// State is the on/off switch of a flag.
type State string

const (
	Enabled  State = "ENABLED"
	Disabled State = "DISABLED"
)

// ParseState accepts exactly ENABLED or DISABLED.
func ParseState(s string) (State, error) {
	switch State(s) {
	case Enabled, Disabled:
		return State(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Field names a scalar field of a Flag that can be edited in place.
type Field string

const (
	FieldState          Field = "state"
	FieldDefaultVariant Field = "defaultVariant"
)

// Flag is one flag definition. Variant values are JSON scalars
// (bool, number or string).
type Flag struct {
	State          State          `json:"state"`
	DefaultVariant string         `json:"defaultVariant"`
	Variants       map[string]any `json:"variants"`
}

// Clone returns a copy of f that shares no map with f.
func (f Flag) Clone() Flag {
	c := f
	c.Variants = maps.Clone(f.Variants)
	if c.Variants == nil {
		c.Variants = map[string]any{}
	}
	return c
}

// VariantNames returns the variant names in sorted order.
func (f Flag) VariantNames() []string {
	return slices.Sorted(maps.Keys(f.Variants))
}

func (f *Flag) set(field Field, value string) error {
	switch field {
	case FieldState:
		s, err := ParseState(value)
		if err != nil {
			return err
		}
		f.State = s
	case FieldDefaultVariant:
		f.DefaultVariant = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

func (f *Flag) setVariant(name string, value any) {
	if f.Variants == nil {
		f.Variants = map[string]any{}
	}
	f.Variants[name] = value
}

// template is the starting point of every newly added flag.
func template() Flag {
	return Flag{
		State:          Enabled,
		DefaultVariant: "off",
		Variants:       map[string]any{"on": true, "off": false},
	}
}

// Map is the canonical flag set of one (project, environment), keyed by
// flag key.
type Map map[string]Flag

// Clone deep-copies m.
func (m Map) Clone() Map {
	if m == nil {
		return Map{}
	}
	c := make(Map, len(m))
	for k, f := range m {
		c[k] = f.Clone()
	}
	return c
}

// Keys returns the flag keys in sorted order.
func (m Map) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}
