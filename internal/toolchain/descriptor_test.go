package toolchain

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musltc/internal/failure"
)

var defaultCompileFlags = []string{
	"-U_FORTIFY_SOURCE",
	"-fstack-protector",
	"-Wall",
	"-Wunused-but-set-parameter",
	"-Wno-free-nonheap-object",
	"-fno-omit-frame-pointer",
}

func mustDescriptor(t *testing.T, arch Arch, opts ...Option) *Descriptor {
	t.Helper()
	d, err := NewDescriptor(arch, "/opt/musl", opts...)
	require.NoError(t, err)
	return d
}

func TestNewDescriptorArchTable(t *testing.T) {
	tests := []struct {
		arch       Arch
		triple     string
		cpu        string
		identifier string
		loader     string
	}{
		{ArchX86_64, "x86_64-linux-musl", "k8", "musl-x86_64-linux-musl", "/lib/ld-musl-x86_64.so.1"},
		{ArchAArch64, "aarch64-linux-musl", "aarch64", "musl-aarch64-linux-musl", "/lib/ld-musl-aarch64.so.1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.arch), func(t *testing.T) {
			d := mustDescriptor(t, tt.arch)
			assert.Equal(t, tt.triple, d.Triple())
			assert.Equal(t, tt.cpu, d.CPU())
			assert.Equal(t, tt.identifier, d.Identifier())
			assert.Equal(t, tt.loader, d.Arch().LoaderPath())
			assert.Equal(t, "/opt/musl/bin/"+tt.triple+"-gcc", d.Tool(ToolGCC))
			assert.Equal(t, "/opt/musl/bin/"+tt.triple+"-strip", d.Tool(ToolStrip))
			assert.Len(t, d.Tools(), len(ToolRoles()))
		})
	}
}

func TestNewDescriptorRejectsUnsupportedArch(t *testing.T) {
	for _, arch := range []string{"mips", "arm", "x86", ""} {
		_, err := NewDescriptor(Arch(arch), "/opt/musl")
		require.Error(t, err, arch)
		assert.True(t, failure.Is(err, failure.Configuration), arch)

		_, err = ParseArch(arch)
		assert.True(t, failure.Is(err, failure.Configuration), arch)
	}
}

func TestNewDescriptorRejectsOptimizedWithDebugSymbols(t *testing.T) {
	_, err := NewDescriptor(ArchX86_64, "/opt/musl", WithEnabled(FeatureOptimized, FeatureDebugSymbols))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Configuration))
	assert.Contains(t, err.Error(), "mutually exclusive")

	d := mustDescriptor(t, ArchX86_64, WithEnabled(FeatureOptimized))
	_, err = d.Flags(ActionCCompile, Request{Enable: []string{FeatureDebugSymbols}})
	assert.True(t, failure.Is(err, failure.Configuration))

	flags, err := d.Flags(ActionCCompile, Request{Enable: []string{FeatureDebugSymbols}, Disable: []string{FeatureOptimized}})
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, defaultCompileFlags...), "-g"), flags)
}

func TestNewDescriptorValidation(t *testing.T) {
	compile := []Action{ActionCCompile}
	tests := []struct {
		name string
		opts []Option
	}{
		{"duplicate name", []Option{WithOverlay(Feature{Name: FeatureOptimized})}},
		{"empty name", []Option{WithOverlay(Feature{})}},
		{"unknown requires", []Option{WithOverlay(Feature{Name: "x", Condition: Condition{Requires: []string{"nope"}}})}},
		{"unknown absent on flag set", []Option{WithOverlay(Feature{Name: "x", FlagSets: []FlagSet{{
			Actions: compile, Condition: Condition{Absent: []string{"nope"}}, Groups: groups("-x"),
		}}})}},
		{"no actions", []Option{WithOverlay(Feature{Name: "x", FlagSets: []FlagSet{{Groups: groups("-x")}}})}},
		{"unknown action", []Option{WithOverlay(Feature{Name: "x", FlagSets: []FlagSet{{Actions: []Action{"link"}, Groups: groups("-x")}}})}},
		{"malformed template", []Option{WithOverlay(Feature{Name: "x", FlagSets: []FlagSet{{Actions: compile, Groups: groups("-I%{dir")}}})}},
		{"enable unknown", []Option{WithEnabled("nope")}},
		{"disable unknown", []Option{WithDisabled("nope")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDescriptor(ArchAArch64, "/opt/musl", tt.opts...)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.Configuration), err.Error())
		})
	}
}

func TestDescriptorFlags(t *testing.T) {
	d := mustDescriptor(t, ArchX86_64)

	t.Run("compile defaults only", func(t *testing.T) {
		flags, err := d.Flags(ActionCCompile, Request{})
		require.NoError(t, err)
		assert.Equal(t, defaultCompileFlags, flags)
	})

	t.Run("user flags come last in order", func(t *testing.T) {
		flags, err := d.Flags(ActionCCompile, Request{
			Variables: Variables{"user_compile_flags": List("-O3", "-march=native", "-O1")},
		})
		require.NoError(t, err)
		assert.Equal(t, append(append([]string{}, defaultCompileFlags...), "-O3", "-march=native", "-O1"), flags)
	})

	t.Run("c++ gets the language standard", func(t *testing.T) {
		flags, err := d.Flags(ActionCppCompile, Request{})
		require.NoError(t, err)
		assert.Equal(t, append(append([]string{}, defaultCompileFlags...), "-std=c++17"), flags)
	})

	t.Run("optimized link", func(t *testing.T) {
		flags, err := d.Flags(ActionLinkExecutable, Request{
			Enable:    []string{FeatureOptimized, FeatureFullyStaticLink},
			Variables: Variables{"output_execpath": String("bin/app")},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"-Wl,--gc-sections",
			"-o", "bin/app",
			"-Wl,-no-as-needed",
			"-Wl,-z,relro,-z,now",
			"-pass-exit-codes",
			"-lstdc++",
			"-lm",
			"-static",
		}, flags)
	})

	t.Run("embed data has its own minimal flags", func(t *testing.T) {
		flags, err := d.Flags(ActionEmbedData, Request{Enable: []string{FeatureOptimized, FeatureCoverage}})
		require.NoError(t, err)
		assert.Equal(t, []string{"-I", "binary"}, flags)
	})

	t.Run("pic needs supports_pic", func(t *testing.T) {
		vars := Variables{"pic": String("")}
		flags, err := d.Flags(ActionCCompile, Request{Variables: vars})
		require.NoError(t, err)
		assert.Contains(t, flags, "-fPIC")

		flags, err = d.Flags(ActionCCompile, Request{Disable: []string{FeatureSupportsPIC}, Variables: vars})
		require.NoError(t, err)
		assert.NotContains(t, flags, "-fPIC")
	})

	t.Run("unknown request features are ignored", func(t *testing.T) {
		flags, err := d.Flags(ActionCCompile, Request{Enable: []string{"no_such_feature"}})
		require.NoError(t, err)
		assert.Equal(t, defaultCompileFlags, flags)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := d.Flags(Action("c-link"), Request{})
		assert.True(t, failure.Is(err, failure.Configuration))
	})
}

func TestDescriptorIsStructurallyDeterministic(t *testing.T) {
	overlay := Feature{Name: "extra", FlagSets: []FlagSet{{Actions: []Action{ActionCCompile}, Groups: groups("-x")}}}
	a := mustDescriptor(t, ArchAArch64, WithEnabled(FeatureOptimized), WithOverlay(overlay))
	b := mustDescriptor(t, ArchAArch64, WithEnabled(FeatureOptimized), WithOverlay(overlay))
	assert.Equal(t, a, b)
}

func TestDescriptorAccessorsReturnCopies(t *testing.T) {
	d := mustDescriptor(t, ArchX86_64)

	features := d.Features()
	features[0].Name = "mutated"
	features[0].FlagSets[0].Groups[0].Flags[0] = "-mutated"
	features[0].FlagSets[0].Actions[0] = ActionLTOBackend

	tools := d.Tools()
	tools[ToolGCC] = "/bin/false"

	defaults := d.DefaultFeatures()
	defaults[FeatureCoverage] = struct{}{}

	fresh := d.Features()
	assert.Equal(t, FeatureDefaultCompileFlags, fresh[0].Name)
	assert.Equal(t, "-U_FORTIFY_SOURCE", fresh[0].FlagSets[0].Groups[0].Flags[0])
	assert.Equal(t, ActionAssemble, fresh[0].FlagSets[0].Actions[0])
	assert.Equal(t, "/opt/musl/bin/x86_64-linux-musl-gcc", d.Tool(ToolGCC))
	assert.False(t, d.DefaultFeatures().Has(FeatureCoverage))

	// Package-level action groups must not be reachable through a descriptor.
	assert.Equal(t, ActionAssemble, compileActions[0])
}

func TestDescriptorFlagsConcurrent(t *testing.T) {
	d := mustDescriptor(t, ArchX86_64)
	req := Request{Variables: Variables{"include_paths": List("a", "b", "c")}}
	want, err := d.Flags(ActionCppCompile, req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.Flags(ActionCppCompile, req)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
