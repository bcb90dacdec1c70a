package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	pyrunmcp "github.com/deixis/pyrun/internal/mcp"
)

var (
	flagInstructions bool
	flagHTTP         string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio or HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if flagInstructions {
			fmt.Fprint(cmd.OutOrStdout(), pyrunmcp.Instructions)
			return nil
		}
		return serve(cmd.Context(), flagHTTP)
	},
}

func init() {
	mcpCmd.Flags().BoolVar(&flagInstructions, "instructions", false, "print model instructions and exit")
	mcpCmd.Flags().StringVar(&flagHTTP, "http", "", "start HTTP server on address (e.g. :9090)")
}

func serve(ctx context.Context, httpAddr string) error {
	server := pyrunmcp.NewServer(newEngine())
	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	slog.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
