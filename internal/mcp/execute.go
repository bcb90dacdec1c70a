package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/pyrun/internal/job"
	"github.com/deixis/pyrun/internal/report"
	"github.com/deixis/pyrun/internal/runner"
)

// stderrTail is the number of stderr lines shown with a failure.
const stderrTail = 20

type executeParams struct {
	Script  string   `json:"script" jsonschema:"script path, relative to the working directory"`
	Args    []string `json:"args,omitempty" jsonschema:"positional arguments passed to the script"`
	Timeout string   `json:"timeout,omitempty" jsonschema:"timeout override as a Go duration, e.g. 90s or 5m"`
}

func (h *handler) executeHandler(ctx context.Context, req *mcp.CallToolRequest, params executeParams) (*mcp.CallToolResult, any, error) {
	if params.Script == "" {
		return errorResult("script is required")
	}
	var opts []runner.Option
	if params.Timeout != "" {
		d, err := time.ParseDuration(params.Timeout)
		if err != nil || d <= 0 {
			return errorResult(fmt.Sprintf("invalid timeout %q: want a positive duration such as 90s", params.Timeout))
		}
		opts = append(opts, runner.WithTimeout(d))
	}

	res, err := h.current().Run(ctx, report.Execute, params.Script, params.Args, opts...)
	return runResult(report.Execute, res, err)
}

func (h *handler) scrapHandler(ctx context.Context, req *mcp.CallToolRequest, params job.ScrapParams) (*mcp.CallToolResult, any, error) {
	res, err := h.current().Scrap(ctx, params)
	return runResult(report.Scrap, res, err)
}

func (h *handler) evalHandler(ctx context.Context, req *mcp.CallToolRequest, params job.EvalParams) (*mcp.CallToolResult, any, error) {
	res, err := h.current().Eval(ctx, params)
	return runResult(report.Eval, res, err)
}

// runResult renders the outcome of a run as a tool result.
func runResult(kind report.Job, res *runner.Result, err error) (*mcp.CallToolResult, any, error) {
	if errors.Is(err, job.ErrInvalidParams) {
		return errorResult(err.Error())
	}
	if err != nil {
		return errorResult(formatFailure(kind, err))
	}
	return textResult(formatSuccess(kind, res))
}

func formatSuccess(kind report.Job, res *runner.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", res.ID, kind)
	fmt.Fprintf(&b, "Status: PASS (%s)\n", res.Elapsed.Round(time.Millisecond))
	if res.Truncated {
		fmt.Fprintln(&b, "Note: output was truncated")
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Payload:")
	fmt.Fprintln(&b, indentJSON(res.Payload.Raw))
	return b.String()
}

// formatFailure keeps a generic headline and puts the operator detail
// underneath it.
func formatFailure(kind report.Job, err error) string {
	var b strings.Builder
	fmt.Fprintln(&b, "Operation failed.")

	var execErr *runner.Error
	if !errors.As(err, &execErr) || execErr.Result == nil {
		fmt.Fprintf(&b, "Error: %v\n", err)
		return b.String()
	}

	res := execErr.Result
	fmt.Fprintf(&b, "Run: %s (%s)\n", res.ID, kind)
	fmt.Fprintf(&b, "Kind: %s\n", runner.KindName(err))
	fmt.Fprintf(&b, "Error: %v\n", err)
	if code, ok := execErr.ExitCode(); ok {
		fmt.Fprintf(&b, "Exit code: %d\n", code)
	}
	if execErr.Raw != "" {
		fmt.Fprintf(&b, "Raw payload: %s\n", execErr.Raw)
	}
	if tail := lastLines(res.Stderr, stderrTail); tail != "" {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Stderr:")
		for _, line := range strings.Split(tail, "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Use py_inspect with run_id %s for the full output.\n", res.ID)
	return b.String()
}

func indentJSON(raw json.RawMessage) string {
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
