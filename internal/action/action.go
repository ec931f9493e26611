// Package action runs units of work (solve, install, export, pack, ...) as
// logged, output-captured operations inside a throwaway workspace.
//
// Every invocation of Run owns its own Capture and Workspace. The workspace is
// removed on every exit path, including panics, before the Result is handed
// back to the caller.
package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Runner holds the settings shared by every action it runs.
type Runner struct {
	logger         *slog.Logger
	workDir        string
	commandTimeout time.Duration
	env            []string
	logLevel       slog.Level
	onLine         func(line string)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the process logger actions forward their records to.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWorkDir sets the parent directory for action workspaces.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// WithCommandTimeout bounds every command started through Context.Run.
// Zero disables the timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Runner) { r.commandTimeout = d }
}

// WithEnv adds KEY=VALUE pairs to every command's environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// WithLogLevel sets the minimum level recorded from Context.Log.
func WithLogLevel(level slog.Level) Option {
	return func(r *Runner) { r.logLevel = level }
}

// WithLineCallback streams each complete stdout line while the action runs.
func WithLineCallback(fn func(line string)) Option {
	return func(r *Runner) { r.onLine = fn }
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:   slog.Default(),
		logLevel: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is what an action invocation produced.
type Result[T any] struct {
	ID       string
	Name     string
	Stdout   string
	Stderr   string
	Records  []Record
	Value    T
	Duration time.Duration
}

// Context is handed to the action body. It exposes command execution, the
// action's logger and its workspace.
type Context struct {
	// Log records into the result and into stdout, in call order.
	Log *slog.Logger

	id        string
	name      string
	runner    *Runner
	capture   *Capture
	workspace *Workspace
	recorder  *recorder
	logger    *slog.Logger
}

// ID returns the invocation id.
func (c *Context) ID() string { return c.id }

// Name returns the action name.
func (c *Context) Name() string { return c.name }

// Records returns the log records emitted so far.
func (c *Context) Records() []Record { return c.recorder.snapshot() }

// Path returns the workspace directory.
func (c *Context) Path() string { return c.workspace.Path() }

// Join returns a path inside the workspace.
func (c *Context) Join(elem ...string) string { return c.workspace.Join(elem...) }

// Stdout returns the writer for in-process standard output.
func (c *Context) Stdout() io.Writer { return c.capture.Stdout() }

// Stderr returns the writer for in-process standard error, merged into stdout.
func (c *Context) Stderr() io.Writer { return c.capture.Stderr() }

// UnmergedStderr returns a writer that keeps error output separate.
func (c *Context) UnmergedStderr() io.Writer { return c.capture.UnmergedStderr() }

// Materialize copies a workspace file or directory to dst so it outlives the
// action.
func (c *Context) Materialize(src, dst string) error {
	return c.workspace.Materialize(src, dst)
}

// Body is the unit of work executed by Run.
type Body[T any] func(ctx context.Context, ac *Context) (T, error)

// Run executes body with output capture and a scoped workspace. On failure it
// returns the partially populated result together with an *Error that carries
// the output collected so far.
func Run[T any](ctx context.Context, r *Runner, name string, body Body[T]) (*Result[T], error) {
	if r == nil {
		r = NewRunner()
	}

	id := uuid.NewString()
	logger := r.logger.With("action", name, "action_id", id)

	ws, err := NewWorkspace(r.workDir)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", name, err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("failed to remove action workspace", "path", ws.Path(), "error", err)
		}
	}()

	capture := NewCapture(r.onLine)
	defer capture.Flush()

	rec := &recorder{out: capture.Stdout()}
	ac := &Context{
		Log:       slog.New(newCaptureHandler(rec, r.logLevel, logger.Handler())),
		id:        id,
		name:      name,
		runner:    r,
		capture:   capture,
		workspace: ws,
		recorder:  rec,
		logger:    logger,
	}

	logger.Debug("action started", "workspace", ws.Path())
	start := time.Now()

	value, bodyErr := body(ctx, ac)

	res := &Result[T]{
		ID:       id,
		Name:     name,
		Stdout:   capture.StdoutString(),
		Stderr:   capture.StderrString(),
		Records:  rec.snapshot(),
		Value:    value,
		Duration: time.Since(start),
	}

	if bodyErr != nil {
		logger.Error("action failed", "error", bodyErr, "duration", res.Duration)
		return res, &Error{
			Action: name,
			ID:     id,
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Err:    bodyErr,
		}
	}

	logger.Debug("action completed", "duration", res.Duration)
	return res, nil
}
