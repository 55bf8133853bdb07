package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"musltc/internal/config"
	"musltc/internal/failure"
)

// Stage is one make invocation of a build.
type Stage struct {
	ID      string
	Dir     string
	Env     []string
	Config  ConfigMak
	Purge   []string // removed before the stage runs
	Outputs []string // must exist once make returns
	Check   func(outputs []string) error
}

// stageEnv keeps make output and embedded timestamps stable.
var stageEnv = []string{"LC_ALL=C", "SOURCE_DATE_EPOCH=0"}

func runStage(ctx context.Context, ws *Workspace, r Runner, jobs int, st Stage) error {
	for _, p := range st.Purge {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("%s: purge %s: %w", st.ID, p, err)
		}
	}
	if err := os.WriteFile(filepath.Join(st.Dir, "config.mak"), []byte(st.Config.Render()), 0o644); err != nil {
		return fmt.Errorf("%s: write config.mak: %w", st.ID, err)
	}
	err := ws.run(ctx, r, Command{
		Stage: st.ID,
		Dir:   st.Dir,
		Env:   st.Env,
		Name:  "make",
		Args:  []string{"-j" + strconv.Itoa(jobs), "install"},
	})
	if err != nil {
		return err
	}
	for _, out := range st.Outputs {
		if _, err := os.Stat(out); err != nil {
			return &failure.Error{
				Kind:     failure.Validation,
				Stage:    st.ID,
				Op:       "expected output " + out,
				Expected: "present",
				Actual:   "missing",
				Err:      err,
			}
		}
	}
	if st.Check != nil {
		return st.Check(st.Outputs)
	}
	return nil
}

// ConfigMak is the upstream build configuration.
type ConfigMak struct {
	Target   string
	Output   string
	Versions config.Versions
	// HostCC and HostCXX, when set, replace the host compiler so every host
	// tool the build produces is linked statically.
	HostCC  string
	HostCXX string
}

// Render produces the config.mak text.
func (c ConfigMak) Render() string {
	var b strings.Builder
	b.WriteString("# Generated by musltc for a single stage. Do not edit.\n")
	fmt.Fprintf(&b, "TARGET = %s\n", c.Target)
	fmt.Fprintf(&b, "OUTPUT = %s\n", c.Output)
	for _, v := range []struct{ key, val string }{
		{"MUSL_VER", c.Versions.Musl},
		{"GCC_VER", c.Versions.GCC},
		{"BINUTILS_VER", c.Versions.Binutils},
		{"GMP_VER", c.Versions.GMP},
		{"MPC_VER", c.Versions.MPC},
		{"MPFR_VER", c.Versions.MPFR},
		{"LINUX_VER", c.Versions.Linux},
	} {
		if v.val != "" {
			fmt.Fprintf(&b, "%s = %s\n", v.key, v.val)
		}
	}
	b.WriteString(`COMMON_CONFIG += CFLAGS="-g0 -O2" CXXFLAGS="-g0 -O2" LDFLAGS="-s"` + "\n")
	if c.HostCC != "" {
		fmt.Fprintf(&b, "COMMON_CONFIG += CC=\"%s -static --static\" CXX=\"%s -static --static\"\n", c.HostCC, c.HostCXX)
	}
	return b.String()
}
