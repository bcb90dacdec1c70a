package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/pyrun/internal/job"
	"github.com/deixis/pyrun/internal/report"
	"github.com/deixis/pyrun/internal/runner"
)

// errFailed reports that results were printed but at least one run failed.
var errFailed = errors.New("run failed")

var flagTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <script> [args...]",
	Short: "Run a script and print its payload",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newEngine().Run(cmd.Context(), report.Execute, args[0], args[1:], runner.WithTimeout(flagTimeout))
		return printRun(cmd.OutOrStdout(), report.Execute, res, err)
	},
}

var scrapParams job.ScrapParams

var scrapCmd = &cobra.Command{
	Use:   "scrap",
	Short: "Run the scraping job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := newEngine().Scrap(cmd.Context(), scrapParams)
		return printRun(cmd.OutOrStdout(), report.Scrap, res, err)
	},
}

var evalParams job.EvalParams

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run the evaluation job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := newEngine().Eval(cmd.Context(), evalParams)
		return printRun(cmd.OutOrStdout(), report.Eval, res, err)
	},
}

var flagParallel int

var batchCmd = &cobra.Command{
	Use:   "batch <file.yaml>",
	Short: "Run the scripts listed in a batch file concurrently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		batch, err := job.LoadBatch(f)
		if err != nil {
			return err
		}
		limit := batch.Parallel
		if flagParallel > 0 {
			limit = flagParallel
		}

		out := cmd.OutOrStdout()
		var failed int
		for _, o := range newEngine().Batch(cmd.Context(), batch.Requests(), limit) {
			if err := printRun(out, report.Execute, o.Result, o.Err); err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%w: %d of %d runs", errFailed, failed, len(batch.Runs))
		}
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Print the record of a previous run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newEngine().Inspect(args[0])
		if err != nil {
			return err
		}
		return printRecord(cmd.OutOrStdout(), rec)
	},
}

func init() {
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "override the configured timeout (e.g. 90s)")
	// everything after <script> belongs to the script
	runCmd.Flags().SetInterspersed(false)

	scrapCmd.Flags().StringVar(&scrapParams.Source, "source", "", "source site identifier")
	scrapCmd.Flags().StringVar(&scrapParams.WorkID, "work-id", "", "identifier of the work")
	scrapCmd.Flags().StringVar(&scrapParams.Episodes, "episodes", "", "episode selection")
	_ = scrapCmd.MarkFlagRequired("source")
	_ = scrapCmd.MarkFlagRequired("work-id")

	evalCmd.Flags().StringVar(&evalParams.Agent, "agent", "", "evaluation agent")
	evalCmd.Flags().StringVar(&evalParams.WorkID, "work-id", "", "identifier of the work")
	evalCmd.Flags().IntVar(&evalParams.Episodes, "episodes", 1, "number of episodes")
	evalCmd.Flags().IntVar(&evalParams.Stage, "stage", 1, "evaluation stage")
	_ = evalCmd.MarkFlagRequired("agent")
	_ = evalCmd.MarkFlagRequired("work-id")

	batchCmd.Flags().IntVar(&flagParallel, "parallel", 0, "maximum concurrent runs (overrides the file)")
}

// printRun prints one outcome and returns errFailed if the run failed.
func printRun(w io.Writer, kind report.Job, res *runner.Result, err error) error {
	if errors.Is(err, job.ErrInvalidParams) {
		return err
	}
	rec := report.NewRecord(kind, res, err)
	if rec == nil {
		return err
	}
	if perr := printRecord(w, rec); perr != nil {
		return perr
	}
	if err != nil {
		return errFailed
	}
	return nil
}

func printRecord(w io.Writer, rec *report.Record) error {
	if flagJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	var b strings.Builder
	if rec.Success {
		fmt.Fprintf(&b, "%s %s: PASS (%s)\n", rec.Job, rec.ID, rec.Elapsed())
		var v any
		if json.Unmarshal(rec.Payload, &v) == nil {
			out, _ := json.MarshalIndent(v, "", "  ")
			b.Write(out)
			b.WriteByte('\n')
		}
	} else {
		fmt.Fprintf(&b, "%s %s: FAIL (%s)\n", rec.Job, rec.ID, rec.Kind)
		fmt.Fprintf(&b, "  %s\n", rec.Error)
		if rec.Stderr != "" {
			for _, line := range strings.Split(strings.TrimRight(rec.Stderr, "\n"), "\n") {
				fmt.Fprintf(&b, "  | %s\n", line)
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
