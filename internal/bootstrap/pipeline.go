package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"musltc/internal/archive"
	"musltc/internal/config"
	"musltc/internal/failure"
	"musltc/internal/metrics"
	"musltc/internal/toolchain"
)

// Options configure one run.
type Options struct {
	Target      toolchain.Arch
	Host        toolchain.Platform
	Pins        *config.Pins
	WorkDir     string // workspaces are created below it
	OutputDir   string // bundle and saved logs
	Jobs        int
	KeepWorkDir bool
	Format      archive.Format
	HostStrip   string
	// Descriptor customizes the shipped toolchain definition.
	Descriptor []toolchain.Option
	// OnState is called on every state change.
	OnState func(State)
}

// Pipeline drives one bootstrap run through
// Init, SourceFetch, the host's build, Validate, Package and Done. Any error
// moves it to Failed and nothing after the failing stage runs.
type Pipeline struct {
	opts     Options
	job      Job
	deps     Deps
	strategy HostStrategy
	desc     *toolchain.Descriptor
	metrics  *metrics.Collector
	log      zerolog.Logger

	state     State
	history   []State
	savedLogs []string
}

// New checks the options and picks the host strategy. Every configuration
// error surfaces here, before anything is executed.
func New(opts Options, deps Deps, m *metrics.Collector) (*Pipeline, error) {
	if _, err := toolchain.ParseArch(string(opts.Target)); err != nil {
		return nil, err
	}
	if opts.Pins == nil {
		return nil, failure.Configf("no pinned sources")
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.Format == "" {
		opts.Format = archive.Gzip
	}
	if opts.HostStrip == "" {
		opts.HostStrip = "strip"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "output"
	}

	strategy, err := StrategyFor(opts.Host.OS, deps)
	if err != nil {
		return nil, err
	}
	// The shipped definition only holds bundle-relative paths, so the
	// descriptor is rooted at the bundle itself.
	descOpts := append([]toolchain.Option{toolchain.WithGCCVersion(opts.Pins.Versions.GCC)}, opts.Descriptor...)
	desc, err := toolchain.NewDescriptor(opts.Target, "", descOpts...)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New(string(opts.Target))
	}

	return &Pipeline{
		opts: opts,
		job: Job{
			Target: opts.Target,
			Host:   opts.Host,
			Pins:   opts.Pins,
			Jobs:   opts.Jobs,
		},
		deps:     deps,
		strategy: strategy,
		desc:     desc,
		metrics:  m,
		log: deps.Log.With().
			Str("arch", string(opts.Target)).
			Str("host", opts.Host.String()).
			Str("strategy", strategy.Name()).
			Logger(),
		state:   StateInit,
		history: []State{StateInit},
	}, nil
}

// State is the current state.
func (p *Pipeline) State() State { return p.state }

// History lists every state entered, in order.
func (p *Pipeline) History() []State { return append([]State(nil), p.history...) }

// SavedLogs lists the compressed stage logs kept after a failure.
func (p *Pipeline) SavedLogs() []string { return append([]string(nil), p.savedLogs...) }

// Descriptor is the toolchain definition shipped in the bundle.
func (p *Pipeline) Descriptor() *toolchain.Descriptor { return p.desc }

// Run executes the pipeline once. The workspace is released before Run
// returns, whatever the outcome.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	if p.state != StateInit {
		return Result{}, fmt.Errorf("pipeline already ran (state %s)", p.state)
	}

	ws, err := p.strategy.Prepare(ctx, p.opts.WorkDir, p.opts.KeepWorkDir)
	if err != nil {
		p.metrics.StageFailures.WithLabelValues(StateInit.String(), kindLabel(err)).Inc()
		p.transition(p.log, StateFailed)
		return Result{}, err
	}
	log := p.log.With().Str("run", ws.RunID).Logger()
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn().Err(err).Msg("workspace cleanup failed")
		}
	}()

	var res Result
	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{StateSourceFetch, func(ctx context.Context) error { return p.strategy.Fetch(ctx, ws, p.job) }},
		{p.strategy.BuildState(), func(ctx context.Context) error { return p.strategy.Build(ctx, ws, p.job) }},
		{StateValidate, func(ctx context.Context) error { return p.strategy.Validate(ctx, ws, p.job) }},
		{StatePackage, func(ctx context.Context) error {
			var err error
			res, err = p.pack(ctx, ws)
			return err
		}},
	}
	for _, s := range steps {
		if err := p.step(ctx, log, s.state, s.run); err != nil {
			p.keepLogs(log, ws)
			return Result{RunID: ws.RunID}, err
		}
	}

	p.transition(log, StateDone)
	p.metrics.ArtifactBytes.Set(float64(res.Sum.Size))
	p.metrics.LastSuccess.SetToCurrentTime()
	log.Info().Str("artifact", res.Artifact).Str("sha256", res.Sum.SHA256).Msg("toolchain packaged")
	return res, nil
}

func (p *Pipeline) step(ctx context.Context, log zerolog.Logger, state State, run func(context.Context) error) error {
	p.transition(log, state)
	start := time.Now()
	err := ctx.Err()
	if err == nil {
		err = run(ctx)
	}
	took := time.Since(start)
	p.metrics.ObserveStage(state.String(), took)
	if err != nil {
		p.metrics.StageFailures.WithLabelValues(state.String(), kindLabel(err)).Inc()
		log.Error().Err(err).Str("stage", state.String()).Dur("took", took).Msg("stage failed")
		p.transition(log, StateFailed)
		return err
	}
	log.Info().Str("stage", state.String()).Dur("took", took).Msg("stage complete")
	return nil
}

func (p *Pipeline) transition(log zerolog.Logger, to State) {
	if !canTransition(p.state, to) {
		panic(fmt.Sprintf("bootstrap: illegal transition %s -> %s", p.state, to))
	}
	log.Debug().Str("from", p.state.String()).Str("to", to.String()).Msg("transition")
	p.state = to
	p.history = append(p.history, to)
	if p.opts.OnState != nil {
		p.opts.OnState(to)
	}
}

// keepLogs saves the stage logs next to the output before the workspace goes.
func (p *Pipeline) keepLogs(log zerolog.Logger, ws *Workspace) {
	prefix := "musltc-" + string(p.job.Target) + "-" + ws.RunID[:8]
	saved, err := saveLogs(ws.Logs(), p.opts.OutputDir, prefix)
	if err != nil {
		log.Warn().Err(err).Msg("could not save stage logs")
	}
	for _, s := range saved {
		log.Info().Str("log", s).Msg("stage log saved")
	}
	p.savedLogs = append(p.savedLogs, saved...)
}

func kindLabel(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	if k := failure.KindOf(err); k != 0 {
		return k.String()
	}
	return "error"
}
