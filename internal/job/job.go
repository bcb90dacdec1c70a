// Package job provides the execution engine shared by the MCP server and
// the CLI: the catalog of named jobs, direct script runs and the
// bookkeeping of run records.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/deixis/pyrun/internal/config"
	"github.com/deixis/pyrun/internal/report"
	"github.com/deixis/pyrun/internal/runner"
)

// ErrInvalidParams is returned when job parameters fail validation. No
// process is started.
var ErrInvalidParams = errors.New("invalid job parameters")

// ErrNoStore is returned by Inspect when the engine keeps no records.
var ErrNoStore = errors.New("run records are not kept")

// ScriptRunner executes scripts. Implemented by runner.Runner.
type ScriptRunner interface {
	Execute(ctx context.Context, script string, args []string, opts ...runner.Option) (*runner.Result, error)
	Batch(ctx context.Context, reqs []runner.Request, limit int) []runner.Outcome
}

// Engine holds shared dependencies for all job operations.
type Engine struct {
	Config *config.Config
	Runner ScriptRunner
	Store  report.Store // optional; records are dropped when nil
}

// ScrapParams are the parameters of the scraping job.
type ScrapParams struct {
	Source   string `json:"source" validate:"required" jsonschema:"source site identifier, e.g. syosetu"`
	WorkID   string `json:"work_id" validate:"required" jsonschema:"identifier of the work on the source site"`
	Episodes string `json:"episodes,omitempty" jsonschema:"episode selection passed through to the script"`
}

// EvalParams are the parameters of the evaluation job.
type EvalParams struct {
	Agent    string `json:"agent" validate:"required" jsonschema:"evaluation agent name"`
	WorkID   string `json:"work_id" validate:"required" jsonschema:"identifier of the scraped work"`
	Episodes int    `json:"episodes,omitempty" validate:"gte=0" jsonschema:"number of episodes to evaluate (default 1)"`
	Stage    int    `json:"stage,omitempty" validate:"gte=0" jsonschema:"evaluation stage (default 1)"`
}

// New returns an Engine whose runner is configured from cfg.
func New(cfg *config.Config, store report.Store) *Engine {
	r := runner.New(runner.Config{
		Interpreter:     cfg.Interpreter(),
		InterpreterArgs: cfg.Args(),
		Dir:             cfg.Workdir(),
		Timeout:         cfg.Timeout(),
		GracePeriod:     cfg.GracePeriod(),
		MaxOutput:       cfg.MaxOutputBytes(),
		Extractor:       cfg.Extractor(),
	})
	return &Engine{Config: cfg, Runner: r, Store: store}
}

var validate = validator.New()

// Scrap runs the scraping script with [source, workId, episodes?].
func (e *Engine) Scrap(ctx context.Context, p ScrapParams) (*runner.Result, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	args := []string{p.Source, p.WorkID}
	if p.Episodes != "" {
		args = append(args, p.Episodes)
	}
	return e.Run(ctx, report.Scrap, e.Config.ScrapScript(), args,
		runner.WithTimeout(e.Config.Jobs.Scrap.Timeout()))
}

// Eval runs the evaluation script with [agent, workId, episodes, stage].
func (e *Engine) Eval(ctx context.Context, p EvalParams) (*runner.Result, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	args := []string{
		p.Agent,
		p.WorkID,
		strconv.Itoa(orOne(p.Episodes)),
		strconv.Itoa(orOne(p.Stage)),
	}
	return e.Run(ctx, report.Eval, e.Config.EvalScript(), args,
		runner.WithTimeout(e.Config.Jobs.Eval.Timeout()))
}

// Run executes script and records the outcome under job.
func (e *Engine) Run(ctx context.Context, job report.Job, script string, args []string, opts ...runner.Option) (*runner.Result, error) {
	slog.InfoContext(ctx, "running job", "job", job, "script", script, "args", args)
	res, err := e.Runner.Execute(ctx, script, args, opts...)
	e.record(ctx, job, res, err)
	if err != nil {
		slog.WarnContext(ctx, "job failed", "job", job, "kind", runner.KindName(err), "error", err)
	}
	return res, err
}

// Batch executes reqs concurrently and records every outcome.
func (e *Engine) Batch(ctx context.Context, reqs []runner.Request, limit int) []runner.Outcome {
	start := time.Now()
	out := e.Runner.Batch(ctx, reqs, limit)
	failed := 0
	for _, o := range out {
		e.record(ctx, report.Execute, o.Result, o.Err)
		if o.Err != nil {
			failed++
		}
	}
	slog.InfoContext(ctx, "batch finished", "runs", len(out), "failed", failed, "elapsed", time.Since(start).String())
	return out
}

// Inspect returns the record of a previous run.
func (e *Engine) Inspect(runID string) (*report.Record, error) {
	if e.Store == nil {
		return nil, ErrNoStore
	}
	return e.Store.Load(runID)
}

func (e *Engine) record(ctx context.Context, job report.Job, res *runner.Result, err error) {
	if e.Store == nil {
		return
	}
	rec := report.NewRecord(job, res, err)
	if rec == nil {
		return
	}
	if err := e.Store.Save(rec); err != nil {
		slog.ErrorContext(ctx, "saving run record", "run_id", rec.ID, "error", err)
	}
}

func orOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
