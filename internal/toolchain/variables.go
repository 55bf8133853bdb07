package toolchain

import (
	"slices"
	"sort"
)

// Value is an expansion variable's value: a single string or an ordered list.
type Value struct {
	scalar string
	list   []string
	isList bool
}

// String makes a scalar value.
func String(s string) Value { return Value{scalar: s} }

// List makes a list value. Order is preserved on expansion.
func List(items ...string) Value { return Value{list: slices.Clone(items), isList: true} }

// IsList reports whether the value is list-typed.
func (v Value) IsList() bool { return v.isList }

// Items returns the elements of a list value, or the scalar as a single item.
func (v Value) Items() []string {
	if v.isList {
		return slices.Clone(v.list)
	}
	return []string{v.scalar}
}

// Scalar returns the scalar value; empty for lists.
func (v Value) Scalar() string { return v.scalar }

// Variables holds the expansion variables available to one invocation.
// A name missing from the map is "absent"; flags referencing it are dropped.
type Variables map[string]Value

// Names returns the variable names in sorted order.
func (vs Variables) Names() []string {
	names := make([]string, 0, len(vs))
	for n := range vs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy that can be modified independently.
func (vs Variables) Clone() Variables {
	out := make(Variables, len(vs))
	for k, v := range vs {
		out[k] = Value{scalar: v.scalar, list: slices.Clone(v.list), isList: v.isList}
	}
	return out
}
