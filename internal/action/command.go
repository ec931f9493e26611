package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// has been killed.
const waitDelay = 5 * time.Second

// CommandResult is the outcome of one command.
type CommandResult struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type runConfig struct {
	redirectStderr bool
	check          bool
	dir            string
	env            []string
	timeout        time.Duration
}

// RunOption adjusts a single Run or RunShell call.
type RunOption func(*runConfig)

// WithoutStderrRedirect keeps the command's stderr out of stdout. It lands in
// the result's Stderr and in the action's separate error buffer.
func WithoutStderrRedirect() RunOption {
	return func(c *runConfig) { c.redirectStderr = false }
}

// WithNoCheck returns the result instead of a *SubprocessError on a non-zero
// exit code.
func WithNoCheck() RunOption {
	return func(c *runConfig) { c.check = false }
}

// WithDir runs the command in dir instead of the workspace.
func WithDir(dir string) RunOption {
	return func(c *runConfig) { c.dir = dir }
}

// WithCommandEnv adds KEY=VALUE pairs for this command only.
func WithCommandEnv(env ...string) RunOption {
	return func(c *runConfig) { c.env = append(c.env, env...) }
}

// WithTimeout overrides the runner's command timeout for this call.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.timeout = d }
}

func (c *Context) runConfig(opts []RunOption) *runConfig {
	cfg := &runConfig{
		redirectStderr: true,
		check:          true,
		dir:            c.workspace.Path(),
		timeout:        c.runner.commandTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *Context) environ(cfg *runConfig) []string {
	env := os.Environ()
	env = append(env, c.runner.env...)
	return append(env, cfg.env...)
}

// writers returns the stdout and stderr destinations for a command. When
// stderr is merged both are the same writer.
func (c *Context) writers(cfg *runConfig, stdout, stderr *bytes.Buffer) (io.Writer, io.Writer) {
	out := io.MultiWriter(stdout, c.capture.Stdout())
	if cfg.redirectStderr {
		return out, out
	}
	return out, io.MultiWriter(stderr, c.capture.UnmergedStderr())
}

// Run executes args synchronously in the workspace. A non-zero exit yields a
// *SubprocessError carrying the output collected so far.
func (c *Context) Run(ctx context.Context, args []string, opts ...RunOption) (*CommandResult, error) {
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	cfg := c.runConfig(opts)

	ctx, cancel := withOptionalTimeout(ctx, cfg.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = cfg.dir
	cmd.Env = c.environ(cfg)
	cmd.Stdout, cmd.Stderr = c.writers(cfg, &stdout, &stderr)
	cmd.WaitDelay = waitDelay

	c.logger.Debug("running command", "args", args, "dir", cfg.dir)

	start := time.Now()
	err := cmd.Run()
	return c.finish(ctx, cfg, args, start, &stdout, &stderr, err, exitCodeOf)
}

// RunShell interprets script with a POSIX shell in-process, equivalent to
// running it with shell=True.
func (c *Context) RunShell(ctx context.Context, script string, opts ...RunOption) (*CommandResult, error) {
	args := []string{"sh", "-c", script}
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, &SubprocessError{Args: args, ExitCode: -1, Err: fmt.Errorf("parsing script: %w", err)}
	}
	cfg := c.runConfig(opts)

	ctx, cancel := withOptionalTimeout(ctx, cfg.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	out, errOut := c.writers(cfg, &stdout, &stderr)
	runner, err := interp.New(
		interp.Dir(cfg.dir),
		interp.Env(expand.ListEnviron(c.environ(cfg)...)),
		interp.StdIO(nil, out, errOut),
	)
	if err != nil {
		return nil, &SubprocessError{Args: args, ExitCode: -1, Err: fmt.Errorf("creating interpreter: %w", err)}
	}

	c.logger.Debug("running shell command", "script", script, "dir", cfg.dir)

	start := time.Now()
	err = runner.Run(ctx, prog)
	return c.finish(ctx, cfg, args, start, &stdout, &stderr, err, shellExitCodeOf)
}

func (c *Context) finish(
	ctx context.Context,
	cfg *runConfig,
	args []string,
	start time.Time,
	stdout, stderr *bytes.Buffer,
	runErr error,
	exitCode func(error) int,
) (*CommandResult, error) {
	result := &CommandResult{
		Args:     args,
		ExitCode: exitCode(runErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if runErr == nil {
		return result, nil
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if result.ExitCode >= 0 && !cfg.check && !timedOut {
		return result, nil
	}

	c.logger.Debug("command failed",
		"args", args,
		"exit_code", result.ExitCode,
		"timed_out", timedOut,
		"error", runErr,
	)
	return result, &SubprocessError{
		Args:     args,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		TimedOut: timedOut,
		Err:      runErr,
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func shellExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if status, ok := interp.IsExitStatus(err); ok {
		return int(status)
	}
	return -1
}
