package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/pyrun/internal/report"
)

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID from a py_execute, py_scrap or py_eval result"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}

	rec, err := h.current().Inspect(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}
	return textResult(formatRecord(rec))
}

func formatRecord(rec *report.Record) string {
	var b strings.Builder

	status := "PASS"
	if !rec.Success {
		status = "FAIL (" + rec.Kind + ")"
	}
	fmt.Fprintf(&b, "Run: %s (%s)\n", rec.ID, rec.Job)
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Script: %s\n", rec.Script)
	if len(rec.Args) > 0 {
		fmt.Fprintf(&b, "Args: %s\n", strings.Join(rec.Args, " "))
	}
	if rec.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *rec.ExitCode)
	} else {
		fmt.Fprintln(&b, "Exit code: none")
	}
	if !rec.Started.IsZero() {
		fmt.Fprintf(&b, "Started: %s (%s)\n", rec.Started.Format("2006-01-02T15:04:05Z07:00"), rec.Elapsed())
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", rec.Error)
	}
	if rec.Truncated {
		fmt.Fprintln(&b, "Note: output was truncated")
	}

	section(&b, "Stdout", rec.Stdout)
	section(&b, "Stderr", rec.Stderr)
	if len(rec.Payload) > 0 {
		section(&b, "Payload", indentJSON(rec.Payload))
	} else if rec.Raw != "" {
		section(&b, "Raw payload", rec.Raw)
	}
	return b.String()
}

func section(b *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintln(b)
	fmt.Fprintf(b, "%s:\n", title)
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		fmt.Fprintf(b, "    %s\n", line)
	}
}
