package job_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deixis/pyrun/internal/config"
	"github.com/deixis/pyrun/internal/job"
	"github.com/deixis/pyrun/internal/report"
	"github.com/deixis/pyrun/internal/runner"
)

// newEngine wires a real runner and disk store, with sh standing in for
// the python interpreter.
func newEngine(t *testing.T, cfgYAML string) (*job.Engine, string) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	root := t.TempDir()
	body := "interpreter: " + sh + "\ninterpreter_args: []\ngrace_period: 100ms\nstore:\n  dir: runs\n" + cfgYAML
	require.NoError(t, os.WriteFile(filepath.Join(root, config.FileName), []byte(body), 0o644))

	res, err := config.Load(root)
	require.NoError(t, err)
	cfg := res.Config

	store := report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore(cfg.StoreDir()))
	return job.New(cfg, store), root
}

func TestEngine_ScrapEndToEnd(t *testing.T) {
	t.Parallel()
	e, root := newEngine(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "scrap.py"), []byte(
		`printf '###JSON-BEGIN###{"source":"%s","work":"%s","episodes":"%s"}###JSON-END###\n' "$1" "$2" "$3"`,
	), 0o644))

	res, err := e.Scrap(t.Context(), job.ScrapParams{Source: "syosetu", WorkID: "n2596la", Episodes: "1-2"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"source": "syosetu", "work": "n2596la", "episodes": "1-2"}, res.Payload.Value)

	require.FileExists(t, filepath.Join(root, "runs", res.ID+".json"))
	rec, err := e.Inspect(res.ID)
	require.NoError(t, err)
	require.Equal(t, report.Scrap, rec.Job)
	require.JSONEq(t, `{"source":"syosetu","work":"n2596la","episodes":"1-2"}`, string(rec.Payload))
}

func TestEngine_EvalTimeout(t *testing.T) {
	t.Parallel()
	e, root := newEngine(t, "jobs:\n  eval:\n    timeout: 150ms\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "evaluation.py"), []byte("echo evaluating\nsleep 10\n"), 0o644))

	start := time.Now()
	_, err := e.Eval(t.Context(), job.EvalParams{Agent: "gpt", WorkID: "w1"})
	require.ErrorIs(t, err, runner.ErrTimeout)
	require.Less(t, time.Since(start), 3*time.Second)

	var execErr *runner.Error
	require.ErrorAs(t, err, &execErr)
	rec, err := e.Inspect(execErr.Result.ID)
	require.NoError(t, err)
	require.Equal(t, "timeout", rec.Kind)
	require.Nil(t, rec.ExitCode)
	require.Equal(t, "evaluating\n", rec.Stdout)
}

func TestEngine_MissingScriptIsRecorded(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, "")

	_, err := e.Scrap(t.Context(), job.ScrapParams{Source: "s", WorkID: "w"})
	require.ErrorIs(t, err, runner.ErrScriptNotFound)

	var execErr *runner.Error
	require.ErrorAs(t, err, &execErr)
	rec, err := e.Inspect(execErr.Result.ID)
	require.NoError(t, err)
	require.Equal(t, "script_not_found", rec.Kind)
}

func TestEngine_BatchFileDirIsRelativeToWorkdir(t *testing.T) {
	t.Parallel()
	e, root := newEngine(t, "")
	require.NoError(t, os.Mkdir(filepath.Join(root, "jobs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs", "ok.py"), []byte(
		`echo '###JSON-BEGIN###"from jobs"###JSON-END###'`,
	), 0o644))

	f, err := job.LoadBatch(strings.NewReader("runs:\n  - script: ok.py\n    dir: jobs\n"))
	require.NoError(t, err)

	out := e.Batch(t.Context(), f.Requests(), 1)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	require.Equal(t, filepath.Join(root, "jobs", "ok.py"), out[0].Result.Script)
	require.Equal(t, "from jobs", out[0].Result.Payload.Value)
}
