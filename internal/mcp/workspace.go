package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type workspaceParams struct{}

func (h *handler) workspaceHandler(ctx context.Context, req *mcp.CallToolRequest, _ workspaceParams) (*mcp.CallToolResult, any, error) {
	cfg := h.current().Config
	dir := cfg.Workdir()

	var b strings.Builder
	fmt.Fprintf(&b, "Interpreter: %s %s\n", cfg.Interpreter(), strings.Join(cfg.Args(), " "))
	fmt.Fprintf(&b, "Directory: %s\n", dir)
	fmt.Fprintf(&b, "Timeout: %s (grace %s)\n", cfg.Timeout(), cfg.GracePeriod())
	fmt.Fprintf(&b, "Jobs:\n")
	fmt.Fprintf(&b, "  scrap: %s (timeout %s)\n", cfg.ScrapScript(), cfg.Jobs.Scrap.Timeout())
	fmt.Fprintf(&b, "  eval: %s (timeout %s)\n", cfg.EvalScript(), cfg.Jobs.Eval.Timeout())
	fmt.Fprintln(&b)

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Non-fatal: the summary above is still useful.
		fmt.Fprintln(&b, "Scripts: (failed to list)")
		return textResult(b.String())
	}
	var scripts []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".py" {
			scripts = append(scripts, e.Name())
		}
	}
	fmt.Fprintf(&b, "Scripts (%d):\n", len(scripts))
	for _, s := range scripts {
		fmt.Fprintf(&b, "  %s\n", s)
	}
	return textResult(b.String())
}
