package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"musltc/internal/config"
)

// fakeRunner records commands. A make install lays out a toolchain-shaped
// tree under the OUTPUT named in config.mak, which is enough for packaging.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Command
	// fail makes the first command of a stage return the error.
	fail map[string]error
	// beforeMake runs ahead of the fake install.
	beforeMake func(c Command, cfg map[string]string)
}

func (f *fakeRunner) Run(_ context.Context, c Command) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if err := f.fail[c.Stage]; err != nil {
		return err
	}
	switch c.Name {
	case "make":
		data, err := os.ReadFile(filepath.Join(c.Dir, "config.mak"))
		if err != nil {
			return err
		}
		cfg := parseConfigMak(string(data))
		if f.beforeMake != nil {
			f.beforeMake(c, cfg)
		}
		if err := os.MkdirAll(filepath.Join(c.Dir, "build", cfg["TARGET"]), 0o755); err != nil {
			return err
		}
		return installFakeToolchain(cfg["OUTPUT"], cfg["TARGET"])
	case "hdiutil":
		if len(c.Args) > 0 && c.Args[0] == "attach" {
			for i, a := range c.Args {
				if a == "-mountpoint" {
					return os.MkdirAll(c.Args[i+1], 0o755)
				}
			}
		}
	}
	return nil
}

func (f *fakeRunner) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

func (f *fakeRunner) named(name string) []Command {
	var out []Command
	for _, c := range f.commands() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func parseConfigMak(data string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		k, v, ok := strings.Cut(line, " = ")
		if !ok || strings.HasPrefix(line, "#") || strings.Contains(k, " ") {
			continue
		}
		out[k] = v
	}
	return out
}

func installFakeToolchain(prefix, triple string) error {
	arch, _, _ := strings.Cut(triple, "-")
	files := map[string]os.FileMode{
		"bin/" + triple + "-gcc":                         0o755,
		"bin/" + triple + "-g++":                         0o755,
		"bin/" + triple + "-strip":                       0o755,
		"include/README":                                 0o644,
		"lib/libcc1.so":                                  0o755,
		"lib/gcc/" + triple + "/11.2.0/include/stddef.h": 0o644,
		"libexec/gcc/" + triple + "/cc1":                 0o755,
		triple + "/include/stdio.h":                      0o644,
		triple + "/lib/libc.so":                          0o755,
	}
	for rel, mode := range files {
		p := filepath.Join(prefix, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte("#!/bin/sh\n# "+rel+"\n"), mode); err != nil {
			return err
		}
	}
	loader := filepath.Join(prefix, triple, "lib", "ld-musl-"+arch+".so.1")
	_ = os.Remove(loader)
	return os.Symlink("/lib/libc.so", loader)
}

type fakeSources struct {
	checkouts []string
	prefetch  []config.Source
}

func (f *fakeSources) Checkout(_ context.Context, url, revision, dir string) (string, error) {
	f.checkouts = append(f.checkouts, url+"@"+revision)
	return "0123456789abcdef", os.MkdirAll(dir, 0o755)
}

func (f *fakeSources) Prefetch(_ context.Context, upstreamDir string, sources []config.Source) error {
	f.prefetch = append(f.prefetch, sources...)
	return os.MkdirAll(filepath.Join(upstreamDir, "sources"), 0o755)
}

// fakeInspector reports every binary as a good static, stripped executable
// unless override says otherwise for its base name.
type fakeInspector struct {
	override map[string]BinaryInfo
}

func (f fakeInspector) Inspect(path string) (BinaryInfo, error) {
	if info, ok := f.override[filepath.Base(path)]; ok {
		return info, nil
	}
	return BinaryInfo{Format: "elf", Executable: true, Static: true, Stripped: true}, nil
}
