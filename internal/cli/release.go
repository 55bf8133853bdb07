package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"musltc/internal/config"
	"musltc/internal/release"
	"musltc/internal/ui"
)

func (a *app) workflowCommand() *cobra.Command {
	var dir, version string
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Generate the CI workflows that build and release the toolchains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pins, err := config.LoadPins(a.settings.PinsPath)
			if err != nil {
				return err
			}
			if version == "" {
				version = a.settings.Version
			}
			written, err := release.WriteWorkflows(dir, release.DefaultMatrix(version, a.settings.ReleaseURL, pins.Versions.Musl))
			for _, p := range written {
				ui.Info("Wrote %s", p)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".github/workflows", "directory to write the workflows to")
	cmd.Flags().StringVar(&version, "version", "", "release tag (default MUSLTC_VERSION)")
	return cmd
}

func (a *app) releaseCommand() *cobra.Command {
	var dir, version, baseURL, notesPath, templatePath string
	cmd := &cobra.Command{
		Use:   "release <bundle>...",
		Short: "Assemble the release archive and notes from built toolchain bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				version = a.settings.Version
			}
			if baseURL == "" {
				baseURL = a.settings.ReleaseURL
			}
			r := release.Release{Version: version, BaseURL: baseURL}
			for _, p := range args {
				e, err := release.EntryFromFile(p)
				if err != nil {
					return err
				}
				r.Entries = append(r.Entries, e)
			}

			out, err := r.WriteArchive(dir)
			if err != nil {
				return err
			}
			ui.Step("Release archive %s", out.Archive)
			ui.Info("sha256 %s", out.Sum.SHA256)

			if notesPath == "" {
				return nil
			}
			var tmpl []byte
			if templatePath != "" {
				if tmpl, err = os.ReadFile(templatePath); err != nil {
					return fmt.Errorf("read notes template: %w", err)
				}
			}
			if err := os.WriteFile(notesPath, []byte(release.Notes(string(tmpl), out)), 0o644); err != nil {
				return fmt.Errorf("write release notes: %w", err)
			}
			ui.Info("Wrote %s", notesPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "dir", ".", "where to write the release archive")
	f.StringVar(&version, "version", "", "release tag (default MUSLTC_VERSION)")
	f.StringVar(&baseURL, "base-url", "", "download location of released files (default MUSLTC_RELEASE_URL)")
	f.StringVar(&notesPath, "notes", "", "write release notes to this file")
	f.StringVar(&templatePath, "notes-template", "", "release notes template with {sha256} and {url}")
	return cmd
}

func (a *app) publishCommand() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "publish <file>...",
		Short: "Upload release files to the configured S3-compatible bucket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				version = a.settings.Version
			}
			p, err := release.NewPublisher(cmd.Context(), a.settings.S3, a.settings.Debug, a.log)
			if err != nil {
				return err
			}
			n, err := p.PublishRelease(cmd.Context(), version, args)
			if err != nil {
				return err
			}
			ui.Step("Published %d of %d files under %s/", n, len(args), version)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "release tag (default MUSLTC_VERSION)")
	return cmd
}
