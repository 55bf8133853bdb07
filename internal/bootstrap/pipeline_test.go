package bootstrap

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"musltc/internal/config"
	"musltc/internal/failure"
	"musltc/internal/metrics"
	"musltc/internal/toolchain"
)

type harness struct {
	runner  *fakeRunner
	sources *fakeSources
	metrics *metrics.Collector
	opts    Options
	deps    Deps
}

func newHarness(t *testing.T, host toolchain.Platform, insp Inspector) *harness {
	t.Helper()
	pins, err := config.LoadPins("")
	require.NoError(t, err)

	h := &harness{
		runner:  &fakeRunner{fail: map[string]error{}},
		sources: &fakeSources{},
		metrics: metrics.New("x86_64"),
	}
	if insp == nil {
		insp = fakeInspector{}
	}
	h.deps = Deps{Runner: h.runner, Sources: h.sources, Inspector: insp, Log: zerolog.Nop()}
	h.opts = Options{
		Target:    toolchain.ArchX86_64,
		Host:      host,
		Pins:      pins,
		WorkDir:   t.TempDir(),
		OutputDir: t.TempDir(),
		Jobs:      4,
	}
	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(h.opts, h.deps, h.metrics)
	require.NoError(t, err)
	return p
}

var linuxHost = toolchain.Platform{OS: toolchain.OSLinux, Arch: toolchain.ArchX86_64}

func archiveEntries(t *testing.T, path string) map[string]*tar.Header {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	out := make(map[string]*tar.Header)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out[hdr.Name] = hdr
	}
}

func TestPipelineLinuxRunsToDone(t *testing.T) {
	h := newHarness(t, linuxHost, nil)

	var purged bool
	h.runner.beforeMake = func(c Command, cfg map[string]string) {
		if c.Stage == "stage2-final-compiler" {
			_, err := os.Stat(filepath.Join(c.Dir, "build"))
			purged = os.IsNotExist(err)
		}
	}

	var seen []State
	h.opts.OnState = func(s State) { seen = append(seen, s) }
	p := h.pipeline(t)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, p.State())
	assert.Equal(t, []State{StateInit, StateSourceFetch, StateTwoStageBuild, StateValidate, StatePackage, StateDone}, p.History())
	assert.Equal(t, p.History()[1:], seen)

	name := filepath.Base(res.Artifact)
	assert.Equal(t, "musl-1.2.3-platform-x86_64-unknown-linux-gnu-target-x86_64-linux-musl.tar.gz", name)
	assert.Contains(t, name, "1.2.3")
	assert.Contains(t, name, "x86_64-unknown-linux-gnu")
	assert.Contains(t, name, "x86_64-linux-musl")
	assert.FileExists(t, res.Artifact)
	assert.Len(t, res.Sum.SHA256, 64)

	makes := h.runner.named("make")
	require.Len(t, makes, 2)
	assert.Equal(t, "stage1-bootstrap-compiler", makes[0].Stage)
	assert.Equal(t, "stage2-final-compiler", makes[1].Stage)
	assert.Equal(t, []string{"-j4", "install"}, makes[1].Args)
	assert.True(t, purged, "intermediate build tree must be purged between stages")

	assert.Equal(t, []string{"https://github.com/richfelker/musl-cross-make.git@fe915821b652a7fa37b34a596f47d8e20bc72338"}, h.sources.checkouts)
	assert.Len(t, h.sources.prefetch, 7)

	entries := archiveEntries(t, res.Artifact)
	for _, want := range []string{DefinitionFile, ManifestFile, "bin/", "include/", "lib/", "libexec/", "x86_64-linux-musl/"} {
		assert.Contains(t, entries, want)
	}
	loader := entries["x86_64-linux-musl/lib/ld-musl-x86_64.so.1"]
	require.NotNil(t, loader)
	assert.Equal(t, byte(tar.TypeSymlink), loader.Typeflag)
	assert.Equal(t, "libc.so", loader.Linkname)

	left, err := os.ReadDir(h.opts.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, left, "workspace must be removed")

	assert.Equal(t, float64(res.Sum.Size), testutil.ToFloat64(h.metrics.ArtifactBytes))
	assert.Positive(t, testutil.ToFloat64(h.metrics.LastSuccess))
}

func TestPipelineStageTwoUsesStageOneCompiler(t *testing.T) {
	h := newHarness(t, toolchain.Platform{OS: toolchain.OSLinux, Arch: toolchain.ArchAArch64}, nil)
	var cfgs []map[string]string
	var raw []string
	h.runner.beforeMake = func(c Command, cfg map[string]string) {
		cfgs = append(cfgs, cfg)
		data, _ := os.ReadFile(filepath.Join(c.Dir, "config.mak"))
		raw = append(raw, string(data))
	}

	_, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	assert.Equal(t, "aarch64-linux-musl", cfgs[0]["TARGET"])
	assert.Equal(t, "x86_64-linux-musl", cfgs[1]["TARGET"])
	assert.True(t, strings.HasSuffix(cfgs[0]["OUTPUT"], "/stage1"))
	assert.True(t, strings.HasSuffix(cfgs[1]["OUTPUT"], "/output"))
	assert.Equal(t, "11.2.0", cfgs[1]["GCC_VER"])

	stage1 := cfgs[0]["OUTPUT"]
	assert.NotContains(t, raw[0], "CC=")
	assert.Contains(t, raw[1], `CC="`+stage1+`/bin/aarch64-linux-musl-gcc -static --static"`)
	assert.Contains(t, raw[1], `CXX="`+stage1+`/bin/aarch64-linux-musl-g++ -static --static"`)
	for _, r := range raw {
		assert.Contains(t, r, `CFLAGS="-g0 -O2"`)
		assert.Contains(t, r, `LDFLAGS="-s"`)
	}
}

func TestPipelineValidationFailureStopsBeforePackage(t *testing.T) {
	dynamic := BinaryInfo{Format: "elf", Executable: true, Static: false, Stripped: true}
	h := newHarness(t, linuxHost, fakeInspector{override: map[string]BinaryInfo{"x86_64-linux-musl-gcc": dynamic}})
	p := h.pipeline(t)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Validation), err.Error())

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "validate", fe.Stage)
	assert.Equal(t, "statically linked", fe.Expected)
	assert.Equal(t, "dynamically linked", fe.Actual)
	assert.Contains(t, fe.Op, "x86_64-linux-musl-gcc")

	assert.Equal(t, StateFailed, p.State())
	assert.NotContains(t, p.History(), StatePackage)
	assert.Equal(t, []State{StateInit, StateSourceFetch, StateTwoStageBuild, StateValidate, StateFailed}, p.History())

	archives, _ := filepath.Glob(filepath.Join(h.opts.OutputDir, "*.tar.gz"))
	assert.Empty(t, archives, "no partial archive may be produced")
	assert.Empty(t, h.runner.named("strip"))

	assert.NotEmpty(t, p.SavedLogs())
	for _, l := range p.SavedLogs() {
		assert.FileExists(t, l)
		assert.True(t, strings.HasSuffix(l, ".log.xz"))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StageFailures.WithLabelValues("validate", "validation failure")))
}

func TestPipelineUnstrippedCompilerIsRejected(t *testing.T) {
	h := newHarness(t, linuxHost, fakeInspector{override: map[string]BinaryInfo{
		"x86_64-linux-musl-g++": {Executable: true, Static: true, Stripped: false},
	}})
	_, err := h.pipeline(t).Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Validation))
	assert.Contains(t, err.Error(), "expected stripped, got debug symbols present")
}

func TestPipelineSubprocessFailureIsFatal(t *testing.T) {
	h := newHarness(t, linuxHost, nil)
	h.runner.fail["stage1-bootstrap-compiler"] = &failure.Error{
		Kind:     failure.Subprocess,
		Stage:    "stage1-bootstrap-compiler",
		Op:       "make -j4 install",
		Expected: "exit status 0",
		Actual:   "exit status 2",
	}
	p := h.pipeline(t)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Subprocess))
	assert.Len(t, h.runner.named("make"), 1, "stage 2 must not run")
	assert.Equal(t, StateFailed, p.State())

	left, err := os.ReadDir(h.opts.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPipelineCancelledBeforeFetch(t *testing.T) {
	h := newHarness(t, linuxHost, nil)
	p := h.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.sources.checkouts)
	assert.Empty(t, h.runner.commands())

	left, err := os.ReadDir(h.opts.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPipelineRunsOnce(t *testing.T) {
	h := newHarness(t, linuxHost, nil)
	p := h.pipeline(t)
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	assert.Error(t, err)
}

func TestPipelineDarwinSingleStageOnCaseSensitiveVolume(t *testing.T) {
	host := toolchain.Platform{OS: toolchain.OSDarwin, Arch: toolchain.ArchAArch64}
	// Static linking does not exist on Darwin and is not asserted.
	h := newHarness(t, host, fakeInspector{override: map[string]BinaryInfo{
		"x86_64-linux-musl-gcc": {Format: "mach-o", Executable: true, Static: false, Stripped: true},
		"x86_64-linux-musl-g++": {Format: "mach-o", Executable: true, Static: false, Stripped: true},
	}})
	p := h.pipeline(t)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateInit, StateSourceFetch, StateSingleStageBuild, StateValidate, StatePackage, StateDone}, p.History())
	assert.Equal(t, "musl-1.2.3-platform-aarch64-apple-darwin-target-x86_64-linux-musl.tar.gz", filepath.Base(res.Artifact))

	hdiutil := h.runner.named("hdiutil")
	require.Len(t, hdiutil, 3)
	assert.Equal(t, "create", hdiutil[0].Args[0])
	assert.Contains(t, hdiutil[0].Args, "Case-sensitive APFS")
	assert.Equal(t, "attach", hdiutil[1].Args[0])
	assert.Equal(t, "detach", hdiutil[2].Args[0])

	makes := h.runner.named("make")
	require.Len(t, makes, 1)
	mnt := hdiutil[2].Args[1]
	assert.True(t, strings.HasPrefix(makes[0].Dir, mnt), "build must happen on the mounted volume")
}

func TestPipelineDarwinDetachesOnFailure(t *testing.T) {
	host := toolchain.Platform{OS: toolchain.OSDarwin, Arch: toolchain.ArchX86_64}
	h := newHarness(t, host, nil)
	h.runner.fail["build-compiler"] = &failure.Error{Kind: failure.Subprocess, Stage: "build-compiler"}

	_, err := h.pipeline(t).Run(context.Background())
	require.Error(t, err)

	hdiutil := h.runner.named("hdiutil")
	require.NotEmpty(t, hdiutil)
	assert.Equal(t, "detach", hdiutil[len(hdiutil)-1].Args[0])
}

func TestDarwinVolumeFailureReleasesWorkspace(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{
		"prepare": &failure.Error{Kind: failure.Subprocess, Stage: "prepare", Op: "hdiutil create"},
	}}
	s, err := StrategyFor(toolchain.OSDarwin, Deps{Runner: r, Log: zerolog.Nop()})
	require.NoError(t, err)

	base := t.TempDir()
	ws, err := s.Prepare(context.Background(), base, false)
	require.Error(t, err)
	assert.Nil(t, ws)
	assert.True(t, failure.Is(err, failure.Subprocess), err.Error())
	assert.Contains(t, err.Error(), "create case-sensitive volume")

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace left behind")
	require.Len(t, r.named("hdiutil"), 1)
}

func TestNewRejectsBadConfigurationBeforeRunning(t *testing.T) {
	cases := map[string]func(*Options){
		"unsupported arch": func(o *Options) { o.Target = "mips" },
		"opt and dbg":      func(o *Options) { o.Descriptor = []toolchain.Option{toolchain.WithEnabled("opt", "dbg")} },
		"no pins":          func(o *Options) { o.Pins = nil },
		"unknown host":     func(o *Options) { o.Host.OS = "plan9" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, linuxHost, nil)
			mutate(&h.opts)
			_, err := New(h.opts, h.deps, h.metrics)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.Configuration), err.Error())
			assert.Empty(t, h.runner.commands())
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateInit, StateSourceFetch))
	assert.True(t, canTransition(StateSourceFetch, StateSingleStageBuild))
	assert.True(t, canTransition(StateValidate, StateFailed))
	assert.False(t, canTransition(StateValidate, StateDone))
	assert.False(t, canTransition(StateFailed, StateInit))
	assert.False(t, canTransition(StateDone, StateFailed))
	assert.Equal(t, "two-stage-build", StateTwoStageBuild.String())
}
