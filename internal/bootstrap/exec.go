package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"musltc/internal/failure"
)

// Command is one subprocess invocation on behalf of a stage.
type Command struct {
	Stage  string
	Dir    string
	Env    []string // added to the inherited environment
	Name   string
	Args   []string
	Output io.Writer // receives stdout and stderr; discarded when nil
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands. Every external tool the pipeline uses goes
// through it.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Executor runs commands in their own process group so a cancelled context
// takes down make and every compiler it spawned.
type Executor struct {
	// Stream, when set, also receives all subprocess output.
	Stream io.Writer
	log    zerolog.Logger
}

// NewExecutor returns an executor copying output to stream when non-nil.
func NewExecutor(stream io.Writer, log zerolog.Logger) *Executor {
	return &Executor{Stream: stream, log: log}
}

// Run starts c and waits for it.
func (e *Executor) Run(ctx context.Context, c Command) error {
	var out io.Writer = io.Discard
	switch {
	case c.Output != nil && e.Stream != nil:
		out = io.MultiWriter(c.Output, e.Stream)
	case c.Output != nil:
		out = c.Output
	case e.Stream != nil:
		out = e.Stream
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e.log.Debug().Str("stage", c.Stage).Str("dir", c.Dir).Str("cmd", c.String()).Msg("exec")
	if err := cmd.Start(); err != nil {
		return &failure.Error{Kind: failure.Subprocess, Stage: c.Stage, Op: "start " + c.String(), Err: err}
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s aborted: %w", c.Stage, ctx.Err())
		}
		actual := err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			actual = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		return &failure.Error{
			Kind:     failure.Subprocess,
			Stage:    c.Stage,
			Op:       c.String(),
			Expected: "exit status 0",
			Actual:   actual,
			Err:      err,
		}
	}
	return nil
}
