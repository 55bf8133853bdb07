package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Workspace is the scoped directory tree one run builds in. Close releases
// everything it holds (mounted volumes first, then the directory) and must
// run on every exit path.
type Workspace struct {
	RunID string
	// Root is removed by Close.
	Root string
	// Build holds the upstream checkout and every build output. It is Root
	// itself, or a mounted volume below it.
	Build string

	keep     bool
	log      zerolog.Logger
	cleanups []func() error
	closed   bool
}

func newWorkspace(base string, keep bool, log zerolog.Logger) (*Workspace, error) {
	id := uuid.NewString()
	root := filepath.Join(base, "musltc-"+id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{RunID: id, Root: root, Build: root, keep: keep, log: log}, nil
}

// Upstream is the checkout of the cross-build project.
func (w *Workspace) Upstream() string { return filepath.Join(w.Build, "upstream") }

// Stage1 is the install prefix of the bootstrap compiler.
func (w *Workspace) Stage1() string { return filepath.Join(w.Build, "stage1") }

// Output is the install prefix of the final toolchain.
func (w *Workspace) Output() string { return filepath.Join(w.Build, "output") }

// Logs holds the per-stage subprocess logs. It lives outside any volume so
// logs can still be saved after a failed detach.
func (w *Workspace) Logs() string { return filepath.Join(w.Root, "logs") }

// run executes c with its output appended to the stage's log.
func (w *Workspace) run(ctx context.Context, r Runner, c Command) error {
	if err := os.MkdirAll(w.Logs(), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logf, err := os.OpenFile(filepath.Join(w.Logs(), c.Stage+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s log: %w", c.Stage, err)
	}
	defer logf.Close()
	fmt.Fprintf(logf, "+ (cd %s && %s)\n", c.Dir, c)
	c.Output = logf
	return r.Run(ctx, c)
}

// onClose registers fn to run at Close. Cleanups run last in, first out.
func (w *Workspace) onClose(fn func() error) { w.cleanups = append(w.cleanups, fn) }

// Close releases the workspace. It is safe to call more than once.
func (w *Workspace) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for i := len(w.cleanups) - 1; i >= 0; i-- {
		if err := w.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if w.keep {
		w.log.Info().Str("path", w.Root).Msg("keeping workspace")
	} else if err := os.RemoveAll(w.Root); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	return errors.Join(errs...)
}
