package config

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"github.com/pelletier/go-toml/v2"

	"musltc/internal/failure"
)

//go:embed pins.toml
var defaultPins []byte

// Pins fixes every input of a bootstrap run.
type Pins struct {
	Upstream Upstream `toml:"upstream"`
	Versions Versions `toml:"versions"`
	Sources  []Source `toml:"sources"`
}

// Upstream is the cross-build project checkout.
type Upstream struct {
	URL      string `toml:"url"`
	Revision string `toml:"revision"`
}

// Versions are the component versions written into config.mak.
type Versions struct {
	Musl     string `toml:"musl"`
	GCC      string `toml:"gcc"`
	Binutils string `toml:"binutils"`
	GMP      string `toml:"gmp"`
	MPC      string `toml:"mpc"`
	MPFR     string `toml:"mpfr"`
	Linux    string `toml:"linux"`
}

// Source is one tarball the upstream build downloads.
type Source struct {
	File string `toml:"file"`
	URL  string `toml:"url"`
}

// LoadPins reads the pins at path, or the built-in set when path is empty.
func LoadPins(path string) (*Pins, error) {
	data := defaultPins
	name := "built-in pins"
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read pins: %w", err)
		}
		name = path
	}
	return ParsePins(name, data)
}

// commitID matches a full git commit hash. Branches and tags are rejected so
// that a pin always names the same tree.
var commitID = regexp.MustCompile(`^[0-9a-f]{40}$`)

// ParsePins decodes and checks a pins document.
func ParsePins(name string, data []byte) (*Pins, error) {
	var p Pins
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, failure.Configf("%s: %v", name, err)
	}
	switch {
	case p.Upstream.URL == "":
		return nil, failure.Configf("%s: upstream.url is required", name)
	case p.Upstream.Revision == "":
		return nil, failure.Configf("%s: upstream.revision is required", name)
	case !commitID.MatchString(p.Upstream.Revision):
		return nil, &failure.Error{
			Kind:     failure.Configuration,
			Op:       name + ": upstream.revision",
			Expected: "a full 40-character commit id",
			Actual:   p.Upstream.Revision,
		}
	case p.Versions.Musl == "" || p.Versions.GCC == "" || p.Versions.Binutils == "":
		return nil, failure.Configf("%s: musl, gcc and binutils versions are required", name)
	}
	seen := make(map[string]bool, len(p.Sources))
	for _, s := range p.Sources {
		if s.File == "" || s.URL == "" {
			return nil, failure.Configf("%s: every source needs file and url", name)
		}
		if seen[s.File] {
			return nil, failure.Configf("%s: duplicate source %q", name, s.File)
		}
		seen[s.File] = true
	}
	return &p, nil
}
