package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"musltc/internal/config"
	"musltc/internal/failure"
	"musltc/internal/toolchain"
)

// Job is what one run builds.
type Job struct {
	Target toolchain.Arch
	Host   toolchain.Platform
	Pins   *config.Pins
	Jobs   int // make -j
}

// Sources retrieves the upstream tree and the tarballs it builds from.
type Sources interface {
	Checkout(ctx context.Context, url, revision, dir string) (string, error)
	Prefetch(ctx context.Context, upstreamDir string, sources []config.Source) error
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Runner    Runner
	Sources   Sources
	Inspector Inspector // nil selects the host's native format
	Log       zerolog.Logger
}

// HostStrategy is everything that differs between build hosts.
type HostStrategy interface {
	Name() string
	// BuildState is the pipeline state the strategy's Build runs in.
	BuildState() State
	Prepare(ctx context.Context, baseDir string, keep bool) (*Workspace, error)
	Fetch(ctx context.Context, ws *Workspace, job Job) error
	Build(ctx context.Context, ws *Workspace, job Job) error
	Validate(ctx context.Context, ws *Workspace, job Job) error
}

// StrategyFor picks the strategy for host.
func StrategyFor(host toolchain.OS, deps Deps) (HostStrategy, error) {
	switch host {
	case toolchain.OSLinux:
		if deps.Inspector == nil {
			deps.Inspector = ELFInspector{}
		}
		return &LinuxStrategy{common{deps}}, nil
	case toolchain.OSDarwin:
		if deps.Inspector == nil {
			deps.Inspector = MachOInspector{}
		}
		return &DarwinStrategy{common: common{deps}, VolumeSize: defaultVolumeSize}, nil
	}
	return nil, failure.Configf("no build strategy for host OS %q", string(host))
}

type common struct {
	deps Deps
}

func (c common) Fetch(ctx context.Context, ws *Workspace, job Job) error {
	rev, err := c.deps.Sources.Checkout(ctx, job.Pins.Upstream.URL, job.Pins.Upstream.Revision, ws.Upstream())
	if err != nil {
		return err
	}
	c.deps.Log.Info().Str("url", job.Pins.Upstream.URL).Str("revision", rev).Msg("upstream checked out")
	return c.deps.Sources.Prefetch(ctx, ws.Upstream(), job.Pins.Sources)
}

// compilers are the host-side binaries shipped in the bundle that validation
// asserts on.
func compilers(prefix string, triple string) []string {
	return []string{
		filepath.Join(prefix, "bin", triple+"-gcc"),
		filepath.Join(prefix, "bin", triple+"-g++"),
	}
}

func (c common) validate(ws *Workspace, job Job, requireStatic bool) error {
	for _, path := range compilers(ws.Output(), job.Target.Triple()) {
		if err := checkBinary(c.deps.Inspector, path, requireStatic); err != nil {
			return err
		}
	}
	return nil
}

func checkBinary(insp Inspector, path string, requireStatic bool) error {
	name := filepath.Base(path)
	info, err := insp.Inspect(path)
	if err != nil {
		return &failure.Error{
			Kind:     failure.Validation,
			Stage:    StateValidate.String(),
			Op:       "inspect " + name,
			Expected: "executable binary",
			Actual:   "unreadable",
			Err:      err,
		}
	}
	checks := []struct {
		ok            bool
		expected, got string
	}{
		{info.Executable, "executable", "not executable"},
		{!requireStatic || info.Static, "statically linked", "dynamically linked"},
		{info.Stripped, "stripped", "debug symbols present"},
	}
	for _, c := range checks {
		if !c.ok {
			return &failure.Error{
				Kind:     failure.Validation,
				Stage:    StateValidate.String(),
				Op:       "check " + name,
				Expected: c.expected,
				Actual:   c.got,
			}
		}
	}
	return nil
}

// LinuxStrategy bootstraps in two stages so that no host tool in the bundle
// links against the build machine's libc.
type LinuxStrategy struct {
	common
}

func (s *LinuxStrategy) Name() string      { return "linux" }
func (s *LinuxStrategy) BuildState() State { return StateTwoStageBuild }

func (s *LinuxStrategy) Prepare(_ context.Context, baseDir string, keep bool) (*Workspace, error) {
	return newWorkspace(baseDir, keep, s.deps.Log)
}

// Stages lists the two builds. Stage 1 is a native musl toolchain built by
// the host compiler; stage 2 builds the target with it.
func (s *LinuxStrategy) Stages(ws *Workspace, job Job) []Stage {
	host := job.Host.Arch.Triple()
	stage1CC := filepath.Join(ws.Stage1(), "bin", host+"-gcc")
	stage1CXX := filepath.Join(ws.Stage1(), "bin", host+"-g++")
	return []Stage{
		{
			ID:      "stage1-bootstrap-compiler",
			Dir:     ws.Upstream(),
			Env:     stageEnv,
			Config:  ConfigMak{Target: host, Output: ws.Stage1(), Versions: job.Pins.Versions},
			Outputs: []string{stage1CC, stage1CXX},
			Check: func(outputs []string) error {
				for _, p := range outputs {
					info, err := s.deps.Inspector.Inspect(p)
					if err != nil || !info.Executable {
						return &failure.Error{
							Kind:     failure.Validation,
							Stage:    "stage1-bootstrap-compiler",
							Op:       "check " + filepath.Base(p),
							Expected: "executable",
							Actual:   "not executable",
							Err:      err,
						}
					}
				}
				return nil
			},
		},
		{
			ID:  "stage2-final-compiler",
			Dir: ws.Upstream(),
			Env: stageEnv,
			Config: ConfigMak{
				Target:   job.Target.Triple(),
				Output:   ws.Output(),
				Versions: job.Pins.Versions,
				HostCC:   stage1CC,
				HostCXX:  stage1CXX,
			},
			// Intermediate objects were built against the host libc.
			Purge:   []string{filepath.Join(ws.Upstream(), "build")},
			Outputs: compilers(ws.Output(), job.Target.Triple()),
		},
	}
}

func (s *LinuxStrategy) Build(ctx context.Context, ws *Workspace, job Job) error {
	for _, st := range s.Stages(ws, job) {
		s.deps.Log.Info().Str("stage", st.ID).Msg("building")
		if err := runStage(ctx, ws, s.deps.Runner, job.Jobs, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *LinuxStrategy) Validate(_ context.Context, ws *Workspace, job Job) error {
	return s.validate(ws, job, true)
}

const defaultVolumeSize = "32g"

// DarwinStrategy builds once, on a case-sensitive volume: the upstream tree
// holds files whose names differ only in case.
type DarwinStrategy struct {
	common
	VolumeSize string
}

func (s *DarwinStrategy) Name() string      { return "darwin" }
func (s *DarwinStrategy) BuildState() State { return StateSingleStageBuild }

func (s *DarwinStrategy) Prepare(ctx context.Context, baseDir string, keep bool) (*Workspace, error) {
	ws, err := newWorkspace(baseDir, keep, s.deps.Log)
	if err != nil {
		return nil, err
	}
	image := filepath.Join(ws.Root, "volume.sparseimage")
	mnt := filepath.Join(ws.Root, "volume")

	err = ws.run(ctx, s.deps.Runner, Command{
		Stage: "prepare",
		Dir:   ws.Root,
		Name:  "hdiutil",
		Args: []string{
			"create", "-type", "SPARSE", "-fs", "Case-sensitive APFS",
			"-size", s.VolumeSize, "-volname", "musltc-" + ws.RunID[:8], image,
		},
	})
	if err == nil {
		err = ws.run(ctx, s.deps.Runner, Command{
			Stage: "prepare",
			Dir:   ws.Root,
			Name:  "hdiutil",
			Args:  []string{"attach", "-nobrowse", "-noautoopen", "-mountpoint", mnt, image},
		})
	}
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create case-sensitive volume: %w", err), ws.Close())
	}

	ws.Build = mnt
	ws.onClose(func() error {
		// The run context may already be cancelled; detaching must still happen.
		detach := Command{Stage: "cleanup", Dir: ws.Root, Name: "hdiutil", Args: []string{"detach", mnt}}
		if err := ws.run(context.Background(), s.deps.Runner, detach); err != nil {
			detach.Args = append(detach.Args, "-force")
			if ferr := ws.run(context.Background(), s.deps.Runner, detach); ferr != nil {
				return fmt.Errorf("detach %s: %w", mnt, ferr)
			}
		}
		return nil
	})
	return ws, nil
}

// Stages is the single build of the target.
func (s *DarwinStrategy) Stages(ws *Workspace, job Job) []Stage {
	return []Stage{{
		ID:      "build-compiler",
		Dir:     ws.Upstream(),
		Env:     stageEnv,
		Config:  ConfigMak{Target: job.Target.Triple(), Output: ws.Output(), Versions: job.Pins.Versions},
		Outputs: compilers(ws.Output(), job.Target.Triple()),
	}}
}

func (s *DarwinStrategy) Build(ctx context.Context, ws *Workspace, job Job) error {
	for _, st := range s.Stages(ws, job) {
		s.deps.Log.Info().Str("stage", st.ID).Msg("building")
		if err := runStage(ctx, ws, s.deps.Runner, job.Jobs, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *DarwinStrategy) Validate(_ context.Context, ws *Workspace, job Job) error {
	return s.validate(ws, job, false)
}
