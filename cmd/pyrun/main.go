// Command pyrun runs workspace scripts and extracts their JSON payloads.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deixis/pyrun"
	"github.com/deixis/pyrun/internal/config"
	"github.com/deixis/pyrun/internal/job"
	"github.com/deixis/pyrun/internal/log"
	"github.com/deixis/pyrun/internal/report"
)

var (
	flagWorkspace string
	flagVerbose   bool
	flagJSON      bool

	loaded *config.LoadResult
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "directory to start the .pyrun lookup from")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print run records as JSON")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initPyrun

	rootCmd.AddCommand(runCmd, scrapCmd, evalCmd, batchCmd, inspectCmd, mcpCmd, schemaCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("pyrun failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pyrun",
	Short:        "Run workspace scripts and extract their JSON payloads",
	SilenceUsage: true,
}

func initPyrun(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(log.New(os.Stderr, flagVerbose))

	var err error
	loaded, err = config.Load(flagWorkspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Debug("pyrun config", "root", loaded.Root, "workdir", loaded.Config.Workdir(), "interpreter", loaded.Config.Interpreter())
	return nil
}

// newEngine wires the engine from the loaded configuration.
func newEngine() *job.Engine {
	cfg := loaded.Config
	store := report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore(cfg.StoreDir()))
	return job.New(cfg, store)
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of run records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report.Schema())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pyrun:  %s\n", pyrun.Version)
		if loaded != nil {
			fmt.Fprintf(out, "root:   %s\n", loaded.Root)
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Fprintf(out, "go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:   %s\n", s.Value)
			}
		}
	},
}
