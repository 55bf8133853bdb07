package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"musltc/internal/failure"
	"musltc/internal/testexec"
	"musltc/internal/toolchain"
)

func (a *app) descriptor(arch, prefix string) (*toolchain.Descriptor, error) {
	target, err := toolchain.ParseArch(arch)
	if err != nil {
		return nil, err
	}
	opts, err := a.descriptorOptions()
	if err != nil {
		return nil, err
	}
	return toolchain.NewDescriptor(target, prefix, opts...)
}

func parseVariables(scalars, lists []string) (toolchain.Variables, error) {
	vars := make(toolchain.Variables)
	for _, kv := range scalars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, failure.Usagef("--var wants name=value, got %q", kv)
		}
		vars[k] = toolchain.String(v)
	}
	for _, kv := range lists {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, failure.Usagef("--list-var wants name=a,b,c, got %q", kv)
		}
		var items []string
		if v != "" {
			items = strings.Split(v, ",")
		}
		vars[k] = toolchain.List(items...)
	}
	return vars, nil
}

func (a *app) flagsCommand() *cobra.Command {
	var (
		prefix          string
		enable, disable []string
		scalars, lists  []string
	)
	cmd := &cobra.Command{
		Use:   "flags <arch> <action>",
		Short: "Print the flags the toolchain passes for an action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.descriptor(args[0], prefix)
			if err != nil {
				return err
			}
			action, err := toolchain.ParseAction(args[1])
			if err != nil {
				return err
			}
			vars, err := parseVariables(scalars, lists)
			if err != nil {
				return err
			}
			flags, err := d.Flags(action, toolchain.Request{Enable: enable, Disable: disable, Variables: vars})
			if err != nil {
				return err
			}
			for _, f := range flags {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&prefix, "prefix", "", "toolchain install root")
	f.StringArrayVar(&enable, "feature", nil, "enable a feature")
	f.StringArrayVar(&disable, "no-feature", nil, "disable a feature")
	f.StringArrayVar(&scalars, "var", nil, "set a build variable, name=value")
	f.StringArrayVar(&lists, "list-var", nil, "set a list build variable, name=a,b,c")
	return cmd
}

func (a *app) describeCommand() *cobra.Command {
	var (
		prefix string
		format string
		repo   string
	)
	cmd := &cobra.Command{
		Use:   "describe <arch>",
		Short: "Dump the toolchain descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.descriptor(args[0], prefix)
			if err != nil {
				return err
			}
			switch format {
			case "yaml":
				return d.WriteYAML(cmd.OutOrStdout())
			case "starlark":
				return d.WriteStarlark(cmd.OutOrStdout(), repo)
			}
			return failure.Usagef("unknown format %q (yaml or starlark)", format)
		},
	}
	f := cmd.Flags()
	f.StringVar(&prefix, "prefix", "", "toolchain install root")
	f.StringVar(&format, "format", "yaml", "output format: yaml or starlark")
	f.StringVar(&repo, "repo", "musl_toolchain", "external repository name for starlark output")
	return cmd
}

func (a *app) wrapTestCommand() *cobra.Command {
	var (
		binary, loader, out string
		arch, bundle        string
		features            []string
		forceStatic         bool
	)
	cmd := &cobra.Command{
		Use:   "wrap-test",
		Short: "Prepare a test binary to run under the bundled dynamic loader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := testexec.DetectLinkMode(binary)
			if err != nil {
				return err
			}
			policy := testexec.Policy{ForceStatic: forceStatic}
			if arch != "" {
				d, err := a.descriptor(arch, "")
				if err != nil {
					return err
				}
				if policy, err = testexec.PolicyFor(d, toolchain.Request{Enable: features}); err != nil {
					return err
				}
				policy.ForceStatic = policy.ForceStatic || forceStatic
				if loader == "" && bundle != "" {
					loader = testexec.BundleLoader(bundle, d.Arch())
				}
			}
			ex, err := testexec.Select(binary, mode, loader, policy)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if ex.Strategy == testexec.Direct {
				fmt.Fprintf(w, "%s\t%s\n", ex.Strategy, binary)
				return nil
			}
			if out == "" {
				return failure.Usagef("--out is required for dynamically linked binaries")
			}
			shim, err := ex.Write(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\n", ex.Strategy, shim)
			for _, r := range ex.Runfiles() {
				fmt.Fprintf(w, "runfile\t%s\n", r)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&binary, "binary", "", "test binary")
	f.StringVar(&loader, "loader", "", "dynamic loader shipped with the toolchain")
	f.StringVar(&out, "out", "", "where to write the wrapper script")
	f.BoolVar(&forceStatic, "force-static", false, "the toolchain links everything statically")
	f.StringVar(&arch, "arch", "", "target architecture, to derive the policy from the toolchain features")
	f.StringArrayVar(&features, "feature", nil, "feature enabled for the test build (with --arch)")
	f.StringVar(&bundle, "bundle", "", "unpacked toolchain bundle to take the loader from (with --arch)")
	cmd.MarkFlagRequired("binary")
	return cmd
}
