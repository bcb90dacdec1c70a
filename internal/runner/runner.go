// Package runner executes interpreter scripts as one-shot child processes
// with timeouts, captures their output and extracts the JSON payload they
// print between sentinel markers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deixis/pyrun/internal/log"
	"github.com/deixis/pyrun/internal/sentinel"
)

// Default values applied by New to a zero Config.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultGracePeriod = 2 * time.Second
)

// Config holds the defaults shared by every execution of a Runner.
type Config struct {
	Interpreter     string   // binary name (resolved via PATH) or path
	InterpreterArgs []string // placed before the script path, e.g. -u
	Dir             string   // working directory; scripts resolve against it
	Timeout         time.Duration
	GracePeriod     time.Duration // SIGTERM to SIGKILL delay
	MaxOutput       int           // bytes kept per stream; <= 0 keeps all
	Extractor       sentinel.Extractor
}

// Runner executes scripts. It holds no per-run state, so one Runner may
// serve any number of concurrent calls.
type Runner struct {
	cfg Config
}

// New returns a Runner. Zero durations fall back to the package defaults
// and an empty Dir to the current directory. A relative Interpreter path
// is anchored to Dir once, so per-call directories do not move it.
func New(cfg Config) *Runner {
	if dir, err := resolveDir("", cfg.Dir); err == nil {
		cfg.Dir = dir
	}
	cfg.Interpreter = resolveInterpreter(cfg.Interpreter, cfg.Dir)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	cfg.InterpreterArgs = append([]string(nil), cfg.InterpreterArgs...)
	cfg.Extractor = sentinel.New(cfg.Extractor.Begin, cfg.Extractor.End, cfg.Extractor.Match)
	return &Runner{cfg: cfg}
}

// Config returns the Runner's effective defaults.
func (r *Runner) Config() Config {
	cfg := r.cfg
	cfg.InterpreterArgs = append([]string(nil), cfg.InterpreterArgs...)
	return cfg
}

type options struct {
	timeout time.Duration
	dir     string
	grace   time.Duration
}

// Option overrides a Runner default for a single call.
type Option func(*options)

// WithTimeout overrides the timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDir overrides the working directory. A relative dir is joined onto
// the Runner's Dir.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithGracePeriod overrides the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

// Execute runs script with args and returns its parsed payload. script is
// resolved against the working directory and must exist; no process is
// started otherwise. Any failure is returned as an *Error.
func (r *Runner) Execute(ctx context.Context, script string, args []string, opts ...Option) (*Result, error) {
	o := options{
		timeout: r.cfg.Timeout,
		dir:     r.cfg.Dir,
		grace:   r.cfg.GracePeriod,
	}
	for _, opt := range opts {
		opt(&o)
	}

	inv, err := r.prepare(script, args, o)
	if err != nil {
		return nil, err
	}

	ctx = log.ContextAttrs(ctx,
		slog.String("run_id", inv.id),
		slog.String("script", inv.script),
	)

	run := newRun(ctx, inv)
	out := run.supervise(ctx)
	return r.finish(ctx, run, out)
}

// prepare resolves paths and builds the invocation.
func (r *Runner) prepare(script string, args []string, o options) (invocation, error) {
	inv := invocation{
		id:        uuid.New().String(),
		args:      append([]string(nil), args...),
		timeout:   o.timeout,
		grace:     o.grace,
		maxOutput: r.cfg.MaxOutput,
	}

	dir, err := resolveDir(r.cfg.Dir, o.dir)
	if err != nil {
		return inv, &Error{Kind: ErrSpawnFailed, Result: inv.emptyResult(), Err: err}
	}
	inv.dir = dir

	inv.script = script
	if !filepath.IsAbs(script) {
		inv.script = filepath.Join(dir, script)
	}
	if err := checkScript(inv.script); err != nil {
		return inv, &Error{Kind: ErrScriptNotFound, Result: inv.emptyResult(), Err: err}
	}

	inv.interpreter = r.cfg.Interpreter
	inv.argv = make([]string, 0, len(r.cfg.InterpreterArgs)+1+len(args))
	inv.argv = append(inv.argv, r.cfg.InterpreterArgs...)
	inv.argv = append(inv.argv, inv.script)
	inv.argv = append(inv.argv, args...)
	return inv, nil
}

// finish classifies the outcome into a Result or an *Error.
func (r *Runner) finish(ctx context.Context, run *run, out outcome) (*Result, error) {
	res := run.result(out)

	switch out.state {
	case stateSpawnFailed:
		slog.ErrorContext(ctx, "interpreter failed to start", "interpreter", run.inv.interpreter, "error", out.err)
		return nil, &Error{Kind: ErrSpawnFailed, Result: res, Err: out.err}
	case stateTimedOut:
		return nil, &Error{Kind: ErrTimeout, Result: res}
	case stateCanceled:
		return nil, &Error{Kind: ErrCanceled, Result: res, Err: out.err}
	}

	if out.err != nil {
		slog.WarnContext(ctx, "waiting for process", "error", out.err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		return nil, &Error{Kind: ErrNonZeroExit, Result: res}
	}

	payload, err := r.cfg.Extractor.Extract(res.Stdout)
	if err != nil {
		var pe *sentinel.ParseError
		switch {
		case errors.As(err, &pe):
			return nil, &Error{Kind: ErrPayloadParse, Result: res, Raw: pe.Raw, Err: err}
		case errors.Is(err, sentinel.ErrMultiplePayloads):
			return nil, &Error{Kind: ErrPayloadParse, Result: res, Err: err}
		default:
			return nil, &Error{Kind: ErrNoPayloadFound, Result: res, Err: err}
		}
	}

	res.Success = true
	res.Payload = payload
	return res, nil
}

func (r *run) result(out outcome) *Result {
	res := r.inv.emptyResult()
	res.Stdout = r.stdout.String()
	res.Stderr = r.stderr.String()
	res.ExitCode = out.exitCode
	res.Started = out.started
	res.Elapsed = out.elapsed
	res.Truncated = r.stdout.Truncated() || r.stderr.Truncated()
	return res
}

func (inv invocation) emptyResult() *Result {
	return &Result{
		ID:      inv.id,
		Script:  inv.script,
		Args:    append([]string(nil), inv.args...),
		Timeout: inv.timeout,
	}
}

// resolveDir returns dir as an absolute path. A relative dir is joined onto
// base; an empty dir means base itself, or the current directory.
func resolveDir(base, dir string) (string, error) {
	switch {
	case dir == "":
		dir = base
	case !filepath.IsAbs(dir) && base != "":
		dir = filepath.Join(base, dir)
	}
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return abs, nil
}

// resolveInterpreter anchors relative interpreter paths such as
// venv/bin/python3 to dir. Bare names are left for PATH lookup.
func resolveInterpreter(interpreter, dir string) string {
	if filepath.IsAbs(interpreter) || !strings.ContainsAny(interpreter, "/"+string(filepath.Separator)) {
		return interpreter
	}
	return filepath.Join(dir, interpreter)
}

func checkScript(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
