package runner_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deixis/pyrun/internal/runner"
	"github.com/deixis/pyrun/internal/sentinel"
)

// newTestRunner returns a Runner that interprets scripts with sh, rooted
// in a fresh temp directory.
func newTestRunner(t *testing.T, mutate ...func(*runner.Config)) (*runner.Runner, string) {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	cfg := runner.Config{
		Interpreter: sh,
		Dir:         dir,
		Timeout:     10 * time.Second,
		GracePeriod: 500 * time.Millisecond,
		MaxOutput:   1 << 20,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return runner.New(cfg), dir
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return name
}

func requireKind(t *testing.T, err error, kind error) *runner.Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var execErr *runner.Error
	require.ErrorAs(t, err, &execErr)
	require.NotNil(t, execErr.Result)
	return execErr
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "ok.sh", `
echo starting
echo '###JSON-BEGIN###{"a":1}###JSON-END###'
echo diagnostics >&2
`)

	res, err := r.Execute(t.Context(), script, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, map[string]any{"a": float64(1)}, res.Payload.Value)
	require.Equal(t, "starting\n###JSON-BEGIN###{\"a\":1}###JSON-END###\n", res.Stdout)
	require.Equal(t, "diagnostics\n", res.Stderr)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)
	require.NotEmpty(t, res.ID)
	require.Equal(t, filepath.Join(dir, script), res.Script)
	require.NotZero(t, res.Started)
	require.Positive(t, res.Elapsed)
	require.False(t, res.Truncated)
}

func TestExecute_PositionalArgs(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "args.sh", `printf '###JSON-BEGIN###["%s","%s","%s"]###JSON-END###\n' "$1" "$2" "$3"`)

	res, err := r.Execute(t.Context(), script, []string{"syosetu", "n2596la", "3"})
	require.NoError(t, err)
	require.Equal(t, []any{"syosetu", "n2596la", "3"}, res.Payload.Value)
	require.Equal(t, []string{"syosetu", "n2596la", "3"}, res.Args)
}

func TestExecute_InterpreterArgs(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t, func(c *runner.Config) {
		c.InterpreterArgs = []string{"-e"}
	})
	script := writeScript(t, dir, "strict.sh", `
false
echo '###JSON-BEGIN###"unreachable"###JSON-END###'
`)

	_, err := r.Execute(t.Context(), script, nil)
	requireKind(t, err, runner.ErrNonZeroExit)
}

func TestExecute_WorkingDirectory(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	sub := filepath.Join(dir, "jobs")
	require.NoError(t, os.Mkdir(sub, 0o755))
	script := writeScript(t, sub, "pwd.sh", `printf '###JSON-BEGIN###"%s"###JSON-END###' "$(pwd)"`)

	res, err := r.Execute(t.Context(), script, nil, runner.WithDir(sub))
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(sub)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(res.Payload.Value.(string))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExecute_RelativeWorkingDirectory(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	sub := filepath.Join(dir, "jobs")
	require.NoError(t, os.Mkdir(sub, 0o755))
	script := writeScript(t, sub, "ok.sh", `echo '###JSON-BEGIN###1###JSON-END###'`)

	res, err := r.Execute(t.Context(), script, nil, runner.WithDir("jobs"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "jobs", "ok.sh"), res.Script)
}

// Not parallel: exec of a freshly written file can fail with ETXTBSY while
// other tests fork.
func TestExecute_RelativeInterpreterIgnoresCallDir(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	wrapper := "#!" + sh + "\nexec " + strconv.Quote(sh) + " \"$@\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python3"), []byte(wrapper), 0o755))

	r := runner.New(runner.Config{
		Interpreter: filepath.Join("venv", "bin", "python3"),
		Dir:         dir,
		Timeout:     10 * time.Second,
	})
	require.Equal(t, filepath.Join(bin, "python3"), r.Config().Interpreter)

	sub := filepath.Join(dir, "jobs")
	require.NoError(t, os.Mkdir(sub, 0o755))
	script := writeScript(t, sub, "ok.sh", `echo '###JSON-BEGIN###"ok"###JSON-END###'`)

	for _, d := range []string{sub, "jobs"} {
		res, err := r.Execute(t.Context(), script, nil, runner.WithDir(d))
		require.NoError(t, err, "dir %s", d)
		require.Equal(t, "ok", res.Payload.Value)
	}
}

func TestExecute_AbsoluteScriptPath(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t)
	other := t.TempDir()
	writeScript(t, other, "abs.sh", `echo '###JSON-BEGIN###true###JSON-END###'`)

	res, err := r.Execute(t.Context(), filepath.Join(other, "abs.sh"), nil)
	require.NoError(t, err)
	require.Equal(t, true, res.Payload.Value)
}

func TestExecute_NoPayloadFound(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "quiet.sh", "echo hello\n")

	_, err := r.Execute(t.Context(), script, nil)
	execErr := requireKind(t, err, runner.ErrNoPayloadFound)
	require.ErrorIs(t, err, sentinel.ErrNoPayload)
	require.False(t, execErr.Result.Success)
	require.Nil(t, execErr.Result.Payload)
	require.Equal(t, "hello\n", execErr.Result.Stdout)

	code, ok := execErr.ExitCode()
	require.True(t, ok)
	require.Equal(t, 0, code)
}

func TestExecute_SilentSuccessIsFailure(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "empty.sh", "exit 0\n")

	res, err := r.Execute(t.Context(), script, nil)
	require.Nil(t, res)
	requireKind(t, err, runner.ErrNoPayloadFound)
}

func TestExecute_PayloadParseError(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "bad.sh", `echo '###JSON-BEGIN###{"a":}###JSON-END###'`)

	_, err := r.Execute(t.Context(), script, nil)
	execErr := requireKind(t, err, runner.ErrPayloadParse)
	require.Equal(t, `{"a":}`, execErr.Raw)

	var pe *sentinel.ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, `{"a":}`, pe.Raw)
	require.Contains(t, err.Error(), "parsing payload")
}

func TestExecute_StrictDuplicatePayloads(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t, func(c *runner.Config) {
		c.Extractor = sentinel.New("", "", sentinel.MatchStrict)
	})
	script := writeScript(t, dir, "dup.sh", `
echo '###JSON-BEGIN###1###JSON-END###'
echo '###JSON-BEGIN###2###JSON-END###'
`)

	_, err := r.Execute(t.Context(), script, nil)
	requireKind(t, err, runner.ErrPayloadParse)
	require.ErrorIs(t, err, sentinel.ErrMultiplePayloads)
}

func TestExecute_NonZeroExit(t *testing.T) {
	t.Parallel()
	for _, code := range []int{1, 2, 3, 42, 127, 255} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			t.Parallel()
			r, dir := newTestRunner(t)
			script := writeScript(t, dir, "fail.sh", fmt.Sprintf(`
echo partial
echo '###JSON-BEGIN###{"ignored":true}###JSON-END###'
echo boom >&2
exit %d
`, code))

			res, err := r.Execute(t.Context(), script, nil)
			require.Nil(t, res)
			execErr := requireKind(t, err, runner.ErrNonZeroExit)

			got, ok := execErr.ExitCode()
			require.True(t, ok)
			require.Equal(t, code, got)
			require.Equal(t, code, *execErr.Result.ExitCode)
			require.Contains(t, execErr.Result.Stdout, "partial\n")
			require.Equal(t, "boom\n", execErr.Result.Stderr)
			require.Nil(t, execErr.Result.Payload)
			require.Contains(t, err.Error(), fmt.Sprintf("exited with code %d", code))
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "slow.sh", "echo started\nsleep 10\necho never\n")

	start := time.Now()
	_, err := r.Execute(t.Context(), script, nil, runner.WithTimeout(100*time.Millisecond))
	took := time.Since(start)

	execErr := requireKind(t, err, runner.ErrTimeout)
	require.Less(t, took, 3*time.Second)
	require.GreaterOrEqual(t, execErr.Result.Elapsed, 100*time.Millisecond)
	require.Nil(t, execErr.Result.ExitCode)
	require.Equal(t, "started\n", execErr.Result.Stdout)
	require.Equal(t, 100*time.Millisecond, execErr.Result.Timeout)
	require.Contains(t, err.Error(), "timed out after 100ms")
}

func TestExecute_TimeoutEscalatesToKill(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t, func(c *runner.Config) {
		c.Timeout = 100 * time.Millisecond
		c.GracePeriod = 200 * time.Millisecond
	})
	script := writeScript(t, dir, "stubborn.sh", "trap '' TERM\nsleep 10\n")

	start := time.Now()
	_, err := r.Execute(t.Context(), script, nil)
	requireKind(t, err, runner.ErrTimeout)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestExecute_Canceled(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "slow.sh", "sleep 10\n")

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := r.Execute(ctx, script, nil)
	execErr := requireKind(t, err, runner.ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, execErr.Result.ExitCode)
}

func TestExecute_ScriptNotFound(t *testing.T) {
	t.Parallel()
	// The interpreter does not exist either: a spawn attempt would surface
	// as ErrSpawnFailed instead.
	r, _ := newTestRunner(t, func(c *runner.Config) {
		c.Interpreter = "/nonexistent/interpreter"
	})

	res, err := r.Execute(t.Context(), "missing.py", []string{"a"})
	require.Nil(t, res)
	execErr := requireKind(t, err, runner.ErrScriptNotFound)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.False(t, errors.Is(err, runner.ErrSpawnFailed))
	require.Empty(t, execErr.Result.Stdout)
	require.Empty(t, execErr.Result.Stderr)
	require.Nil(t, execErr.Result.ExitCode)
	require.Zero(t, execErr.Result.Started)
	require.Contains(t, err.Error(), "missing.py")
}

func TestExecute_ScriptIsDirectory(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pkg"), 0o755))

	_, err := r.Execute(t.Context(), "pkg", nil)
	requireKind(t, err, runner.ErrScriptNotFound)
}

func TestExecute_SpawnFailed(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t, func(c *runner.Config) {
		c.Interpreter = filepath.Join("venv", "bin", "python3")
	})
	script := writeScript(t, dir, "ok.sh", "echo hi\n")

	_, err := r.Execute(t.Context(), script, nil)
	execErr := requireKind(t, err, runner.ErrSpawnFailed)
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Empty(t, execErr.Result.Stdout)
	require.Empty(t, execErr.Result.Stderr)
	require.Nil(t, execErr.Result.ExitCode)
}

func TestExecute_OutputTruncation(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t, func(c *runner.Config) {
		c.MaxOutput = 64
	})
	script := writeScript(t, dir, "noisy.sh", `
echo '###JSON-BEGIN###1###JSON-END###'
i=0
while [ $i -lt 100 ]; do echo noise-line; i=$((i+1)); done
`)

	res, err := r.Execute(t.Context(), script, nil)
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Len(t, res.Stdout, 64)
	require.Equal(t, float64(1), res.Payload.Value)
}

func TestExecute_ConcurrentIsolation(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "echo.sh", `
echo "out-$1"
echo "err-$1" >&2
printf '###JSON-BEGIN###{"id":"%s"}###JSON-END###\n' "$1"
`)

	const n = 8
	results := make([]*runner.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			results[i], errs[i] = r.Execute(t.Context(), script, []string{strconv.Itoa(i)})
		})
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i := range n {
		require.NoError(t, errs[i])
		tag := strconv.Itoa(i)
		require.Equal(t, map[string]any{"id": tag}, results[i].Payload.Value)
		require.Equal(t, "out-"+tag+"\n###JSON-BEGIN###{\"id\":\""+tag+"\"}###JSON-END###\n", results[i].Stdout)
		require.Equal(t, "err-"+tag+"\n", results[i].Stderr)
		ids[results[i].ID] = true
	}
	require.Len(t, ids, n)
}

func TestError_KindName(t *testing.T) {
	t.Parallel()
	r, dir := newTestRunner(t)
	script := writeScript(t, dir, "fail.sh", "exit 2\n")

	_, err := r.Execute(t.Context(), script, nil)
	require.Equal(t, "non_zero_exit", runner.KindName(err))
	require.Equal(t, "", runner.KindName(nil))
	require.Equal(t, "", runner.KindName(errors.New("other")))
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	cfg := runner.New(runner.Config{Interpreter: "python3"}).Config()
	require.Equal(t, runner.DefaultTimeout, cfg.Timeout)
	require.Equal(t, runner.DefaultGracePeriod, cfg.GracePeriod)
	require.Equal(t, sentinel.DefaultBegin, cfg.Extractor.Begin)
	require.Equal(t, sentinel.DefaultEnd, cfg.Extractor.End)
	require.Equal(t, sentinel.MatchFirst, cfg.Extractor.Match)
	require.True(t, filepath.IsAbs(cfg.Dir))
	require.Equal(t, "python3", cfg.Interpreter)
}
