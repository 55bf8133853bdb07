package toolchain

import (
	"fmt"
	"path/filepath"
	"slices"

	"musltc/internal/failure"
)

// ToolRole is a logical tool the orchestrator invokes.
type ToolRole string

const (
	ToolGCC     ToolRole = "gcc"
	ToolLD      ToolRole = "ld"
	ToolAR      ToolRole = "ar"
	ToolCPP     ToolRole = "cpp"
	ToolGCov    ToolRole = "gcov"
	ToolNM      ToolRole = "nm"
	ToolObjCopy ToolRole = "objcopy"
	ToolObjDump ToolRole = "objdump"
	ToolStrip   ToolRole = "strip"
)

var toolRoles = []ToolRole{ToolGCC, ToolLD, ToolAR, ToolCPP, ToolGCov, ToolNM, ToolObjCopy, ToolObjDump, ToolStrip}

// ToolRoles returns every role in a stable order.
func ToolRoles() []ToolRole { return slices.Clone(toolRoles) }

// ToolPaths maps each role to an executable location.
type ToolPaths map[ToolRole]string

// DefaultGCCVersion matches the pinned gcc in the bundled source list.
const DefaultGCCVersion = "11.2.0"

// Option customizes NewDescriptor.
type Option func(*builder)

type builder struct {
	enabled    []string
	disabled   []string
	overlay    []Feature
	gccVersion string
}

// WithEnabled turns on features that are off by default.
func WithEnabled(names ...string) Option {
	return func(b *builder) { b.enabled = append(b.enabled, names...) }
}

// WithDisabled turns off features that are on by default.
func WithDisabled(names ...string) Option {
	return func(b *builder) { b.disabled = append(b.disabled, names...) }
}

// WithOverlay appends extra features after the built-in catalogue.
func WithOverlay(features ...Feature) Option {
	return func(b *builder) { b.overlay = append(b.overlay, cloneFeatures(features)...) }
}

// WithGCCVersion sets the gcc version used for builtin include directories.
func WithGCCVersion(v string) Option {
	return func(b *builder) { b.gccVersion = v }
}

// Descriptor is everything the orchestrator needs to drive one target
// architecture: tool locations, the ordered feature list and the flag
// computation. It is never mutated after NewDescriptor returns.
type Descriptor struct {
	arch            Arch
	prefix          string
	gccVersion      string
	tools           ToolPaths
	features        []Feature
	defaults        FeatureSet
	builtinIncludes []string
}

// NewDescriptor builds the descriptor for arch with tools rooted at prefix.
func NewDescriptor(arch Arch, prefix string, opts ...Option) (*Descriptor, error) {
	if _, ok := archTable[arch]; !ok {
		return nil, failure.Configf("unsupported architecture %q (supported: x86_64, aarch64)", string(arch))
	}
	b := builder{gccVersion: DefaultGCCVersion}
	for _, opt := range opts {
		opt(&b)
	}

	features := append(builtinFeatures(), b.overlay...)
	features = cloneFeatures(features)
	if err := validateFeatures(features); err != nil {
		return nil, err
	}
	bindIterations(features)

	known := make(FeatureSet, len(features))
	defaults := make(FeatureSet)
	for _, f := range features {
		known[f.Name] = struct{}{}
		if f.Enabled {
			defaults[f.Name] = struct{}{}
		}
	}
	for _, n := range b.enabled {
		if !known.Has(n) {
			return nil, failure.Configf("cannot enable unknown feature %q", n)
		}
		defaults[n] = struct{}{}
	}
	for _, n := range b.disabled {
		if !known.Has(n) {
			return nil, failure.Configf("cannot disable unknown feature %q", n)
		}
		delete(defaults, n)
	}
	if err := checkExclusive(defaults); err != nil {
		return nil, err
	}

	triple := arch.Triple()
	tools := make(ToolPaths, len(toolRoles))
	for _, role := range toolRoles {
		tools[role] = filepath.Join(prefix, "bin", triple+"-"+string(role))
	}

	return &Descriptor{
		arch:       arch,
		prefix:     prefix,
		gccVersion: b.gccVersion,
		tools:      tools,
		features:   features,
		defaults:   defaults,
		builtinIncludes: []string{
			filepath.Join(prefix, "lib", "gcc", triple, b.gccVersion, "include"),
			filepath.Join(prefix, "lib", "gcc", triple, b.gccVersion, "include-fixed"),
			filepath.Join(prefix, triple, "include", "c++", b.gccVersion),
			filepath.Join(prefix, triple, "include"),
		},
	}, nil
}

func checkExclusive(set FeatureSet) error {
	if set.Has(FeatureOptimized) && set.Has(FeatureDebugSymbols) {
		return &failure.Error{
			Kind:     failure.Configuration,
			Op:       fmt.Sprintf("features %q and %q are mutually exclusive", FeatureOptimized, FeatureDebugSymbols),
			Expected: "at most one",
			Actual:   "both enabled",
		}
	}
	return nil
}

// bindIterations makes implicit iteration explicit. A group without
// IterateOver is bound to the first variable it references that another group
// of the descriptor iterates over, so Compose and the rendered flag_group
// expand it the same way.
func bindIterations(features []Feature) {
	lists := make(map[string]bool)
	for _, f := range features {
		for _, fs := range f.FlagSets {
			for _, g := range fs.Groups {
				if g.IterateOver != "" {
					lists[g.IterateOver] = true
				}
			}
		}
	}
	for i := range features {
		for j := range features[i].FlagSets {
			groups := features[i].FlagSets[j].Groups
			for k := range groups {
				if groups[k].IterateOver != "" {
					continue
				}
			flags:
				for _, flag := range groups[k].Flags {
					refs, _ := References(flag)
					for _, r := range refs {
						if lists[r] {
							groups[k].IterateOver = r
							break flags
						}
					}
				}
			}
		}
	}
}

func validateFeatures(features []Feature) error {
	names := make(FeatureSet, len(features))
	for _, f := range features {
		if f.Name == "" {
			return failure.Configf("feature with empty name")
		}
		if names.Has(f.Name) {
			return failure.Configf("duplicate feature %q", f.Name)
		}
		names[f.Name] = struct{}{}
	}
	checkCond := func(where string, c Condition) error {
		for _, n := range slices.Concat(c.Requires, c.Absent) {
			if !names.Has(n) {
				return failure.Configf("%s: condition names unknown feature %q", where, n)
			}
		}
		return nil
	}
	for _, f := range features {
		if err := checkCond("feature "+f.Name, f.Condition); err != nil {
			return err
		}
		for i, fs := range f.FlagSets {
			where := fmt.Sprintf("feature %s flag set %d", f.Name, i)
			if len(fs.Actions) == 0 {
				return failure.Configf("%s: no actions", where)
			}
			for _, a := range fs.Actions {
				if !slices.Contains(allActions, a) {
					return failure.Configf("%s: unknown action %q", where, a)
				}
			}
			if err := checkCond(where, fs.Condition); err != nil {
				return err
			}
			for _, g := range fs.Groups {
				for _, flag := range g.Flags {
					if _, err := parseTemplate(flag); err != nil {
						return &failure.Error{Kind: failure.Configuration, Op: where, Err: err}
					}
				}
			}
		}
	}
	return nil
}

// Arch returns the target architecture.
func (d *Descriptor) Arch() Arch { return d.arch }

// Prefix returns the install root the tool paths are relative to.
func (d *Descriptor) Prefix() string { return d.prefix }

// Triple returns the musl target triple.
func (d *Descriptor) Triple() string { return d.arch.Triple() }

// Identifier is the toolchain identifier string, musl-<triple>.
func (d *Descriptor) Identifier() string { return "musl-" + d.arch.Triple() }

// CPU is the target CPU tag.
func (d *Descriptor) CPU() string { return d.arch.CPU() }

// GCCVersion returns the compiler version the include dirs were derived from.
func (d *Descriptor) GCCVersion() string { return d.gccVersion }

// Tool returns the path for one role.
func (d *Descriptor) Tool(role ToolRole) string { return d.tools[role] }

// Tools returns a copy of the role to path mapping.
func (d *Descriptor) Tools() ToolPaths {
	out := make(ToolPaths, len(d.tools))
	for k, v := range d.tools {
		out[k] = v
	}
	return out
}

// Features returns a copy of the ordered feature list.
func (d *Descriptor) Features() []Feature { return cloneFeatures(d.features) }

// DefaultFeatures returns the features active when a request changes nothing.
func (d *Descriptor) DefaultFeatures() FeatureSet {
	return NewFeatureSet(d.defaults.Names()...)
}

// BuiltinIncludeDirs lists the compiler's own include directories.
func (d *Descriptor) BuiltinIncludeDirs() []string { return slices.Clone(d.builtinIncludes) }

// Request is one orchestrator invocation context.
type Request struct {
	Enable    []string
	Disable   []string
	Variables Variables
}

// ActiveFeatures resolves the features a request activates. Names the
// descriptor does not know are ignored.
func (d *Descriptor) ActiveFeatures(req Request) (FeatureSet, error) {
	requested := d.DefaultFeatures()
	for _, n := range req.Enable {
		requested[n] = struct{}{}
	}
	for _, n := range req.Disable {
		delete(requested, n)
	}
	if err := checkExclusive(requested); err != nil {
		return nil, err
	}
	return ResolveActive(d.features, requested), nil
}

// Flags computes the ordered flags for action under req.
func (d *Descriptor) Flags(action Action, req Request) ([]string, error) {
	if !slices.Contains(allActions, action) {
		return nil, failure.Configf("unknown action %q", string(action))
	}
	active, err := d.ActiveFeatures(req)
	if err != nil {
		return nil, err
	}
	return Compose(d.features, action, active, req.Variables), nil
}
