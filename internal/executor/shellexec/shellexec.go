// Package shellexec adapts an external command to the scheduler's
// executor contract. Stdout and stderr lines are streamed as output
// chunks; cancellation kills the process group cooperatively via the
// command context.
package shellexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/phrazzld/dispatch/internal/task"
)

// Result is the opaque success value of a completed command.
type Result struct {
	ExitCode int `json:"exit_code"`
}

// Executor runs one external command per Start call.
type Executor struct {
	name   string
	args   []string
	dir    string
	env    []string
	logger *slog.Logger
}

// New creates an executor for the given command line.
func New(logger *slog.Logger, name string, args ...string) *Executor {
	return &Executor{
		name:   name,
		args:   args,
		logger: logger.With("component", "shellexec", "command", name),
	}
}

// WithDir sets the working directory for the command.
func (e *Executor) WithDir(dir string) *Executor {
	e.dir = dir
	return e
}

// WithEnv sets the environment for the command, replacing the inherited
// one.
func (e *Executor) WithEnv(env []string) *Executor {
	e.env = env
	return e
}

// Start launches the command and streams its combined output. A command
// that cannot be started fails synchronously; a non-zero exit settles as
// a permanent failure.
func (e *Executor) Start(ctx context.Context, cb task.Callbacks) (task.Handle, error) {
	cmdCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(cmdCtx, e.name, e.args...)
	cmd.Dir = e.dir
	cmd.Env = e.env

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", e.name, err)
	}

	p := task.NewPromise(cancel)

	// Reader goroutine: one callback per line, newline preserved.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			cb.Output(scanner.Text() + "\n")
		}
	}()

	go func() {
		err := cmd.Wait()
		pw.Close()
		<-readerDone

		if cmdCtx.Err() != nil {
			e.logger.Debug("command cancelled")
			p.Settle(nil, cmdCtx.Err())
			return
		}

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				// A command that ran and failed is a semantic failure of
				// the underlying work, not a scheduling problem: permanent.
				p.Settle(nil, fmt.Errorf("%s exited with code %d", e.name, exitErr.ExitCode()))
				return
			}
			p.Settle(nil, fmt.Errorf("running %s: %w", e.name, err))
			return
		}

		p.Settle(Result{ExitCode: 0}, nil)
	}()

	return p, nil
}
