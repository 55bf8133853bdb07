package toolchain

import (
	"slices"
	"sort"
)

// Condition gates a Feature or FlagSet on the state of other features.
// The zero value always holds.
type Condition struct {
	Requires []string // every one of these must be active
	Absent   []string // none of these may be active
}

// Satisfied evaluates the condition against an active feature set.
func (c Condition) Satisfied(active FeatureSet) bool {
	for _, name := range c.Requires {
		if !active.Has(name) {
			return false
		}
	}
	for _, name := range c.Absent {
		if active.Has(name) {
			return false
		}
	}
	return true
}

func (c Condition) clone() Condition {
	return Condition{Requires: slices.Clone(c.Requires), Absent: slices.Clone(c.Absent)}
}

// FlagGroup is an ordered run of flag templates. Templates reference
// expansion variables as %{name}; %% is a literal percent sign.
type FlagGroup struct {
	Flags []string
	// IterateOver names a list variable; the group is emitted once per element
	// with the element bound to that name. When empty, the first list variable
	// referenced by Flags is iterated.
	IterateOver string
	// ExpandIfAvailable skips the whole group when the variable is absent.
	ExpandIfAvailable string
}

func (g FlagGroup) clone() FlagGroup {
	g.Flags = slices.Clone(g.Flags)
	return g
}

// FlagSet binds flag groups to the actions they apply to.
type FlagSet struct {
	Actions   []Action
	Condition Condition
	Groups    []FlagGroup
}

// AppliesTo reports whether the set lists the action.
func (fs FlagSet) AppliesTo(a Action) bool {
	return slices.Contains(fs.Actions, a)
}

func (fs FlagSet) clone() FlagSet {
	out := FlagSet{
		Actions:   slices.Clone(fs.Actions),
		Condition: fs.Condition.clone(),
		Groups:    make([]FlagGroup, len(fs.Groups)),
	}
	for i, g := range fs.Groups {
		out.Groups[i] = g.clone()
	}
	return out
}

// Feature is a named, independently toggleable capability.
type Feature struct {
	Name      string
	Enabled   bool // enabled unless the orchestrator disables it
	Condition Condition
	FlagSets  []FlagSet
}

func (f Feature) clone() Feature {
	out := Feature{
		Name:      f.Name,
		Enabled:   f.Enabled,
		Condition: f.Condition.clone(),
		FlagSets:  make([]FlagSet, len(f.FlagSets)),
	}
	for i, fs := range f.FlagSets {
		out.FlagSets[i] = fs.clone()
	}
	return out
}

func cloneFeatures(in []Feature) []Feature {
	out := make([]Feature, len(in))
	for i, f := range in {
		out[i] = f.clone()
	}
	return out
}

// FeatureSet is a set of feature names.
type FeatureSet map[string]struct{}

// NewFeatureSet builds a set from names.
func NewFeatureSet(names ...string) FeatureSet {
	s := make(FeatureSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s FeatureSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members sorted.
func (s FeatureSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveActive narrows requested to the features whose conditions hold
// against the rest of the set. Features are dropped in declaration order
// until nothing changes, so the result does not depend on map ordering.
func ResolveActive(features []Feature, requested FeatureSet) FeatureSet {
	active := make(FeatureSet, len(requested))
	for _, f := range features {
		if requested.Has(f.Name) {
			active[f.Name] = struct{}{}
		}
	}
	for changed := true; changed; {
		changed = false
		for _, f := range features {
			if active.Has(f.Name) && !f.Condition.Satisfied(active) {
				delete(active, f.Name)
				changed = true
			}
		}
	}
	return active
}
