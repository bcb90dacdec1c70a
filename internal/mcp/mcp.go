// Package mcp provides the pyrun MCP server, registering all tools and
// publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/pyrun"
	"github.com/deixis/pyrun/internal/config"
	"github.com/deixis/pyrun/internal/job"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mu     sync.RWMutex
	engine *job.Engine
}

func (h *handler) current() *job.Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine
}

// NewServer creates an MCP server with all pyrun tools registered.
func NewServer(e *job.Engine) *mcp.Server {
	h := &handler{engine: e}

	opts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "pyrun", Version: pyrun.Version}, opts)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "py_workspace",
		Description: "Summarise the script workspace: interpreter, working directory, timeouts, job scripts and available scripts.",
	}, h.workspaceHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "py_execute",
		Description: `Run a script with positional arguments and return the JSON payload it prints.

The script path is relative to the working directory. The script must print its result
between ###JSON-BEGIN### and ###JSON-END### and exit 0. Every run is stored for py_inspect.`,
	}, h.executeHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "py_scrap",
		Description: `Run the scraping job for a work on a source site.

Equivalent to running the configured scrap script with [source, work_id, episodes].`,
	}, h.scrapHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "py_eval",
		Description: `Run the evaluation job for a scraped work.

Equivalent to running the configured evaluation script with [agent, work_id, episodes, stage].`,
	}, h.evalHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "py_inspect",
		Description: `Show the full record of a previous run: streams, exit code, failure kind and payload.

Use the run_id printed by py_execute, py_scrap or py_eval.`,
	}, h.inspectHandler)

	return s
}

// updateWorkspaceFromRoots queries the client for MCP roots and, if a
// file root is returned, reloads the configuration from it. This is called
// during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil {
		slog.WarnContext(ctx, "ignoring client root", "root", u.Path, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = job.New(loaded.Config, h.engine.Store)
	slog.InfoContext(ctx, "workspace updated from client root", "root", loaded.Root)
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
