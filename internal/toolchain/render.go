package toolchain

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// WriteStarlark renders the descriptor as a cc_toolchain_config rule. Tool
// paths are written relative to the prefix so the bundle can be unpacked
// anywhere; include directories are anchored on repo, the external repository
// name the bundle is fetched under.
func (d *Descriptor) WriteStarlark(w io.Writer, repo string) error {
	var b strings.Builder
	b.WriteString(`load("@bazel_tools//tools/cpp:cc_toolchain_config_lib.bzl", "feature", "flag_group", "flag_set", "feature_set", "tool_path", "with_feature_set")` + "\n\n")
	b.WriteString("def _impl(ctx):\n")

	b.WriteString("    tool_paths = [\n")
	for _, role := range toolRoles {
		fmt.Fprintf(&b, "        tool_path(name = %s, path = %s),\n", starQuote(string(role)), starQuote(d.relative(d.tools[role])))
	}
	b.WriteString("    ]\n\n")

	b.WriteString("    features = [\n")
	for _, f := range d.features {
		writeStarFeature(&b, f, d.defaults.Has(f.Name))
	}
	b.WriteString("    ]\n\n")

	b.WriteString("    return cc_common.create_cc_toolchain_config_info(\n")
	b.WriteString("        ctx = ctx,\n")
	b.WriteString("        features = features,\n")
	b.WriteString("        cxx_builtin_include_directories = [\n")
	for _, dir := range d.builtinIncludes {
		fmt.Fprintf(&b, "            %s,\n", starQuote("%package(@"+repo+"//)%/"+d.relative(dir)))
	}
	b.WriteString("        ],\n")
	fmt.Fprintf(&b, "        toolchain_identifier = %s,\n", starQuote(d.Identifier()))
	fmt.Fprintf(&b, "        host_system_name = %s,\n", starQuote("local"))
	fmt.Fprintf(&b, "        target_system_name = %s,\n", starQuote(d.Triple()))
	fmt.Fprintf(&b, "        target_cpu = %s,\n", starQuote(d.CPU()))
	fmt.Fprintf(&b, "        target_libc = %s,\n", starQuote("musl"))
	fmt.Fprintf(&b, "        compiler = %s,\n", starQuote("gcc"))
	fmt.Fprintf(&b, "        abi_version = %s,\n", starQuote("unknown"))
	fmt.Fprintf(&b, "        abi_libc_version = %s,\n", starQuote("unknown"))
	b.WriteString("        tool_paths = tool_paths,\n")
	b.WriteString("    )\n\n")

	b.WriteString("cc_toolchain_config = rule(\n")
	b.WriteString("    implementation = _impl,\n")
	b.WriteString("    attrs = {},\n")
	b.WriteString("    provides = [CcToolchainConfigInfo],\n")
	b.WriteString(")\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStarFeature(b *strings.Builder, f Feature, enabled bool) {
	b.WriteString("        feature(\n")
	fmt.Fprintf(b, "            name = %s,\n", starQuote(f.Name))
	if enabled {
		b.WriteString("            enabled = True,\n")
	}
	if len(f.Condition.Requires) > 0 {
		fmt.Fprintf(b, "            requires = [feature_set(features = %s)],\n", starList(f.Condition.Requires))
	}
	if len(f.FlagSets) > 0 {
		b.WriteString("            flag_sets = [\n")
		for _, fs := range f.FlagSets {
			b.WriteString("                flag_set(\n")
			actions := make([]string, len(fs.Actions))
			for i, a := range fs.Actions {
				actions[i] = string(a)
			}
			fmt.Fprintf(b, "                    actions = %s,\n", starList(actions))
			// Starlark features have no "absent" condition, so the feature's
			// own is folded into every flag set.
			absent := slices.Concat(f.Condition.Absent, fs.Condition.Absent)
			if len(fs.Condition.Requires) > 0 || len(absent) > 0 {
				fmt.Fprintf(b, "                    with_features = [with_feature_set(features = %s, not_features = %s)],\n",
					starList(fs.Condition.Requires), starList(absent))
			}
			b.WriteString("                    flag_groups = [\n")
			for _, g := range fs.Groups {
				fmt.Fprintf(b, "                        flag_group(flags = %s", starList(g.Flags))
				if g.IterateOver != "" {
					fmt.Fprintf(b, ", iterate_over = %s", starQuote(g.IterateOver))
				}
				if g.ExpandIfAvailable != "" {
					fmt.Fprintf(b, ", expand_if_available = %s", starQuote(g.ExpandIfAvailable))
				}
				b.WriteString("),\n")
			}
			b.WriteString("                    ],\n")
			b.WriteString("                ),\n")
		}
		b.WriteString("            ],\n")
	}
	b.WriteString("        ),\n")
}

func (d *Descriptor) relative(p string) string {
	rel, err := filepath.Rel(d.prefix, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

func starQuote(s string) string { return strconv.Quote(s) }

func starList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = starQuote(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

var manifestTemplate = template.Must(template.New("BUILD.bazel").Parse(`load(":cc_toolchain_config.bzl", "cc_toolchain_config")

package(default_visibility = ["//visibility:public"])

filegroup(
    name = "all_files",
    srcs = glob(["bin/**", "include/**", "lib/**", "libexec/**", "{{.Triple}}/**"]),
)

filegroup(
    name = "loader",
    srcs = ["{{.Triple}}/lib/libc.so"],
)

cc_toolchain_config(
    name = "{{.Name}}_config",
)

cc_toolchain(
    name = "{{.Name}}",
    all_files = ":all_files",
    ar_files = ":all_files",
    as_files = ":all_files",
    compiler_files = ":all_files",
    dwp_files = ":all_files",
    linker_files = ":all_files",
    objcopy_files = ":all_files",
    strip_files = ":all_files",
    supports_param_files = 0,
    toolchain_config = ":{{.Name}}_config",
    toolchain_identifier = "{{.Identifier}}",
)

alias(
    name = "musl_toolchain",
    actual = ":{{.Name}}",
)
`))

// WriteManifest renders the BUILD manifest shipped next to the definition.
// name is the toolchain name derived from version, host platform and target.
func (d *Descriptor) WriteManifest(w io.Writer, name string) error {
	return manifestTemplate.Execute(w, struct {
		Name       string
		Identifier string
		Triple     string
	}{
		Name:       name,
		Identifier: d.Identifier(),
		Triple:     d.Triple(),
	})
}

type yamlDescriptor struct {
	Identifier string            `yaml:"identifier"`
	Arch       string            `yaml:"arch"`
	Triple     string            `yaml:"triple"`
	CPU        string            `yaml:"cpu"`
	Loader     string            `yaml:"loader"`
	Tools      map[string]string `yaml:"tools"`
	Includes   []string          `yaml:"builtin_include_dirs"`
	Features   []yamlFeature     `yaml:"features"`
}

type yamlFeature struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Requires []string      `yaml:"requires,omitempty"`
	Absent   []string      `yaml:"absent,omitempty"`
	FlagSets []yamlFlagSet `yaml:"flag_sets,omitempty"`
}

type yamlFlagSet struct {
	Actions  []string        `yaml:"actions,flow"`
	Requires []string        `yaml:"requires,omitempty"`
	Absent   []string        `yaml:"absent,omitempty"`
	Groups   []yamlFlagGroup `yaml:"flag_groups"`
}

type yamlFlagGroup struct {
	Flags             []string `yaml:"flags,flow"`
	IterateOver       string   `yaml:"iterate_over,omitempty"`
	ExpandIfAvailable string   `yaml:"expand_if_available,omitempty"`
}

// WriteYAML dumps the descriptor for inspection.
func (d *Descriptor) WriteYAML(w io.Writer) error {
	out := yamlDescriptor{
		Identifier: d.Identifier(),
		Arch:       string(d.arch),
		Triple:     d.Triple(),
		CPU:        d.CPU(),
		Loader:     d.arch.LoaderPath(),
		Tools:      make(map[string]string, len(d.tools)),
		Includes:   d.BuiltinIncludeDirs(),
	}
	for role, path := range d.tools {
		out.Tools[string(role)] = path
	}
	for _, f := range d.features {
		yf := yamlFeature{
			Name:     f.Name,
			Enabled:  d.defaults.Has(f.Name),
			Requires: f.Condition.Requires,
			Absent:   f.Condition.Absent,
		}
		for _, fs := range f.FlagSets {
			ys := yamlFlagSet{Requires: fs.Condition.Requires, Absent: fs.Condition.Absent}
			for _, a := range fs.Actions {
				ys.Actions = append(ys.Actions, string(a))
			}
			for _, g := range fs.Groups {
				ys.Groups = append(ys.Groups, yamlFlagGroup{
					Flags:             g.Flags,
					IterateOver:       g.IterateOver,
					ExpandIfAvailable: g.ExpandIfAvailable,
				})
			}
			yf.FlagSets = append(yf.FlagSets, ys)
		}
		out.Features = append(out.Features, yf)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	return enc.Close()
}
