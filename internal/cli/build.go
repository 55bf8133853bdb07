package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"musltc/internal/archive"
	"musltc/internal/bootstrap"
	"musltc/internal/config"
	"musltc/internal/failure"
	"musltc/internal/fetch"
	"musltc/internal/metrics"
	"musltc/internal/toolchain"
	"musltc/internal/ui"
)

// archArgs accepts exactly one supported target architecture.
func archArgs(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return failure.Usagef("expected one target architecture (x86_64 or aarch64), got %d arguments", len(args))
	}
	if _, err := toolchain.ParseArch(args[0]); err != nil {
		return &failure.Error{Kind: failure.Usage, Op: "parse target architecture", Err: err}
	}
	return nil
}

func (a *app) descriptorOptions() ([]toolchain.Option, error) {
	if a.settings.OverlayPath == "" {
		return nil, nil
	}
	features, err := toolchain.LoadOverlayFile(a.settings.OverlayPath)
	if err != nil {
		return nil, err
	}
	return []toolchain.Option{toolchain.WithOverlay(features...)}, nil
}

func (a *app) build(ctx context.Context, arch string) error {
	s := a.settings
	target, err := toolchain.ParseArch(arch)
	if err != nil {
		return err
	}
	host, err := toolchain.HostPlatform()
	if err != nil {
		return err
	}
	pins, err := config.LoadPins(s.PinsPath)
	if err != nil {
		return err
	}
	descOpts, err := a.descriptorOptions()
	if err != nil {
		return err
	}
	format, err := archive.ParseFormat(s.ArchiveFormat)
	if err != nil {
		return failure.Configf("%v", err)
	}

	m := metrics.New(string(target))
	dl := fetch.NewDownloader(s.CacheDir, s.Retries, s.RetryWait, a.log)
	dl.OnRetry = m.DownloadRetries.Inc
	dl.OnBytes = func(n int64) { m.DownloadBytes.Add(float64(n)) }
	var progress io.Writer
	if ui.IsTerminal(a.stderr) {
		progress = a.stderr
		dl.Progress = a.stderr
	}

	runner := a.runner
	if runner == nil {
		var stream io.Writer
		if s.Debug {
			stream = a.stderr
		}
		runner = bootstrap.NewExecutor(stream, a.log)
	}

	p, err := bootstrap.New(bootstrap.Options{
		Target:      target,
		Host:        host,
		Pins:        pins,
		WorkDir:     s.WorkDir,
		OutputDir:   s.Output,
		Jobs:        s.Jobs,
		KeepWorkDir: s.KeepWorkDir,
		Format:      format,
		Descriptor:  descOpts,
		OnState: func(st bootstrap.State) {
			if !st.Terminal() {
				ui.Step("%s", st)
			}
		},
	}, bootstrap.Deps{
		Runner:  runner,
		Sources: bootstrap.NetSources{Downloader: dl, Progress: progress},
		Log:     a.log,
	}, m)
	if err != nil {
		return err
	}

	ui.Step("Building musl %s toolchain for %s on %s", pins.Versions.Musl, target.Triple(), host)
	res, runErr := p.Run(ctx)
	if s.MetricsFile != "" {
		if err := m.WriteTextfile(s.MetricsFile); err != nil {
			a.log.Warn().Err(err).Str("path", s.MetricsFile).Msg("could not write metrics")
		}
	}
	if runErr != nil {
		for _, l := range p.SavedLogs() {
			ui.Info("Stage log kept at %s", l)
		}
		return runErr
	}
	ui.Step("Toolchain written to %s", res.Artifact)
	ui.Info("sha256 %s", res.Sum.SHA256)
	return nil
}
