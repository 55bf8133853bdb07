// Package testexec decides how a compiled test binary is executed: directly,
// or through a shim that runs it under the bundle's own dynamic loader.
package testexec

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"musltc/internal/failure"
	"musltc/internal/toolchain"
)

// LinkMode is how a binary was linked.
type LinkMode int

const (
	Static LinkMode = iota
	Dynamic
)

func (m LinkMode) String() string {
	if m == Dynamic {
		return "dynamic"
	}
	return "static"
}

// Policy is the orchestrator-wide linking policy.
type Policy struct {
	ForceStatic bool
}

// PolicyFor derives the policy from the features a request activates.
func PolicyFor(d *toolchain.Descriptor, req toolchain.Request) (Policy, error) {
	active, err := d.ActiveFeatures(req)
	if err != nil {
		return Policy{}, err
	}
	return Policy{ForceStatic: active.Has(toolchain.FeatureFullyStaticLink)}, nil
}

// BundleLoader is where the loader sits inside an unpacked bundle.
func BundleLoader(bundleRoot string, arch toolchain.Arch) string {
	return filepath.Join(bundleRoot, arch.Triple(), "lib", arch.LoaderName())
}

// Strategy is an execution strategy.
type Strategy int

const (
	Direct Strategy = iota
	Wrapped
)

func (s Strategy) String() string {
	if s == Wrapped {
		return "wrapped"
	}
	return "direct"
}

// Execution is the selected way to run one test binary.
type Execution struct {
	Strategy Strategy
	Binary   string
	Loader   string // empty for Direct
}

// Select picks the strategy for binary. A dynamic binary needs loader unless
// the policy forces static linking.
func Select(binary string, mode LinkMode, loader string, policy Policy) (Execution, error) {
	if mode == Static || policy.ForceStatic {
		return Execution{Strategy: Direct, Binary: binary}, nil
	}
	if loader == "" {
		return Execution{}, &failure.Error{
			Kind:     failure.Configuration,
			Op:       "select execution for " + filepath.Base(binary),
			Expected: "a dynamic loader for a dynamically linked binary",
			Actual:   "none supplied",
		}
	}
	return Execution{Strategy: Wrapped, Binary: binary, Loader: loader}, nil
}

// Runfiles are the files that must be present when the test runs. For a
// wrapped binary it is exactly the loader and the binary.
func (e Execution) Runfiles() []string {
	if e.Strategy == Wrapped {
		return []string{e.Loader, e.Binary}
	}
	return []string{e.Binary}
}

// Script is the shim text. It is empty for Direct.
func (e Execution) Script() string {
	if e.Strategy != Wrapped {
		return ""
	}
	return "#!/bin/sh\nexec " + shellQuote(e.Loader) + " " + shellQuote(e.Binary) + " \"$@\"\n"
}

// Write materializes the execution and returns what to run: the binary itself
// for Direct, or a shim written to shimPath for Wrapped.
func (e Execution) Write(shimPath string) (string, error) {
	if e.Strategy != Wrapped {
		return e.Binary, nil
	}
	if _, err := os.Stat(e.Loader); err != nil {
		return "", &failure.Error{
			Kind:     failure.Configuration,
			Op:       "wrap " + filepath.Base(e.Binary),
			Expected: "loader at " + e.Loader,
			Actual:   "missing",
			Err:      err,
		}
	}
	if err := os.MkdirAll(filepath.Dir(shimPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(shimPath, []byte(e.Script()), 0o755); err != nil {
		return "", fmt.Errorf("write shim: %w", err)
	}
	return shimPath, nil
}

// DetectLinkMode reads the program headers of an ELF binary: a requested
// interpreter means it is dynamically linked.
func DetectLinkMode(path string) (LinkMode, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Static, fmt.Errorf("detect link mode of %s: %w", path, err)
	}
	defer f.Close()
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			return Dynamic, nil
		}
	}
	return Static, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
