// Package cli is the musltc command tree.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"musltc/internal/bootstrap"
	"musltc/internal/config"
	"musltc/internal/ui"
)

// Main is the process entry point. The first SIGINT or SIGTERM cancels the
// running command so the workspace is cleaned up; a second one exits at once.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			ui.Warn("Received %v. Cancelling, press Ctrl+C again to force exit", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			ui.Warn("Second interrupt received. Forcing immediate exit.")
			os.Exit(130)
		case <-time.After(30 * time.Second):
			ui.Warn("Graceful shutdown timeout. Exiting.")
			os.Exit(130)
		}
	}()

	os.Exit(Run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes one command line and returns the process exit status.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return (&app{stdout: stdout, stderr: stderr}).execute(ctx, args)
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	settings   config.Settings
	log        zerolog.Logger

	// runner replaces the subprocess executor in tests.
	runner bootstrap.Runner
}

func (a *app) execute(ctx context.Context, args []string) int {
	ui.Out = a.stderr
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		ui.Error(err)
		return 1
	}
	return 0
}

func (a *app) rootCommand() *cobra.Command {
	defaultConfig := os.Getenv("MUSLTC_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultPath
	}

	root := &cobra.Command{
		Use:   "musltc <x86_64|aarch64>",
		Short: "Build hermetic musl cross-compilers for Bazel",
		Long: `musltc builds a static gcc/musl cross toolchain for one target
architecture, packages it with its Bazel toolchain definition and writes
the bundle to the output directory.`,
		Example: "  musltc x86_64\n  musltc flags aarch64 c-compile --feature opt",
		Args:    archArgs,
		// Usage is only shown for argument errors; everything else is
		// reported by execute.
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return a.loadSettings()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.build(cmd.Context(), args[0])
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfig, "configuration file")

	root.AddCommand(
		a.flagsCommand(),
		a.describeCommand(),
		a.wrapTestCommand(),
		a.workflowCommand(),
		a.releaseCommand(),
		a.publishCommand(),
		versionCommand(),
	)
	return root
}

func (a *app) loadSettings() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.settings, err = cfg.Settings(); err != nil {
		return err
	}
	a.log = ui.NewLogger(a.stderr, a.settings.Debug)
	return nil
}
