package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/deixis/pyrun/internal/stream"
)

// state is the completion latch of a run. It leaves stateRunning exactly
// once.
type state int32

const (
	stateRunning state = iota
	stateCompleted
	stateTimedOut
	stateCanceled
	stateSpawnFailed
)

func (s state) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed-out"
	case stateCanceled:
		return "canceled"
	case stateSpawnFailed:
		return "spawn-failed"
	}
	return "unknown"
}

type latch struct {
	v atomic.Int32
}

// settle moves the latch from running to s. It reports false if another
// terminal state was already recorded.
func (l *latch) settle(s state) bool {
	return l.v.CompareAndSwap(int32(stateRunning), int32(s))
}

func (l *latch) load() state {
	return state(l.v.Load())
}

// invocation is the immutable description of one execution.
type invocation struct {
	id          string
	interpreter string
	argv        []string // interpreter args, script, script args
	script      string
	args        []string
	dir         string
	timeout     time.Duration
	grace       time.Duration
	maxOutput   int
}

// outcome is what the supervisor observed when the latch settled.
type outcome struct {
	state    state
	exitCode *int
	err      error
	started  time.Time
	elapsed  time.Duration
}

// run owns one child process and its two output channels.
type run struct {
	inv    invocation
	stdout *stream.Accumulator
	stderr *stream.Accumulator
	latch  latch
}

func newRun(ctx context.Context, inv invocation) *run {
	return &run{
		inv:    inv,
		stdout: stream.NewAccumulator(inv.maxOutput, mirror(ctx, "stdout", slog.LevelInfo)),
		stderr: stream.NewAccumulator(inv.maxOutput, mirror(ctx, "stderr", slog.LevelWarn)),
	}
}

// mirror copies each output chunk to the operational log.
func mirror(ctx context.Context, name string, level slog.Level) stream.ChunkFunc {
	return func(p []byte) {
		slog.Log(ctx, level, "script output", "stream", name, "chunk", strings.TrimRight(string(p), "\r\n"))
	}
}

// settle records the terminal state and seals both accumulators so that
// nothing written afterwards is observable.
func (r *run) settle(s state) bool {
	if !r.latch.settle(s) {
		return false
	}
	r.stdout.Seal()
	r.stderr.Seal()
	return true
}

// supervise spawns the process and blocks until the latch settles. On
// timeout or cancellation the process group is sent SIGTERM; if it has
// not exited after the grace period it is killed. supervise returns only
// once the process has been reaped.
func (r *run) supervise(ctx context.Context) outcome {
	ctx, cancel := context.WithTimeout(ctx, r.inv.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.inv.interpreter, r.inv.argv...)
	cmd.Dir = r.inv.dir
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	// Bounds Wait when descendants outside the group keep the pipes open.
	// It must outlast the grace period so reap gets to kill the group.
	cmd.WaitDelay = 2 * r.inv.grace
	configureProcess(cmd)

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		s := stateSpawnFailed
		if ctxErr := ctx.Err(); ctxErr != nil {
			s = interrupted(ctxErr)
			err = ctxErr
		}
		r.settle(s)
		return outcome{state: s, err: err, started: started, elapsed: time.Since(started)}
	}
	slog.DebugContext(ctx, "process spawned", "pid", cmd.Process.Pid, "timeout", r.inv.timeout.String())

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		elapsed := time.Since(started)
		code := exitCode(cmd.ProcessState)
		if ctxErr := ctx.Err(); ctxErr != nil && code == nil {
			// The deadline fired first and the signal already landed.
			s := interrupted(ctxErr)
			r.settle(s)
			return outcome{state: s, err: ctxErr, started: started, elapsed: elapsed}
		}
		r.settle(stateCompleted)
		slog.DebugContext(ctx, "process exited", "exit_code", code, "elapsed", elapsed.String())
		if err != nil && code != nil {
			// The exit code carries the failure.
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				err = nil
			}
		}
		return outcome{state: stateCompleted, exitCode: code, err: err, started: started, elapsed: elapsed}

	case <-ctx.Done():
		elapsed := time.Since(started)
		s := interrupted(ctx.Err())
		r.settle(s)
		slog.WarnContext(ctx, "terminating process", "reason", s.String(), "elapsed", elapsed.String())
		r.reap(ctx, cmd, done)
		return outcome{state: s, err: ctx.Err(), started: started, elapsed: elapsed}
	}
}

// reap waits for a terminated process, escalating to SIGKILL once the
// grace period has passed.
func (r *run) reap(ctx context.Context, cmd *exec.Cmd, done <-chan error) {
	grace := time.NewTimer(r.inv.grace)
	defer grace.Stop()

	select {
	case <-done:
		return
	case <-grace.C:
	}
	slog.WarnContext(ctx, "process ignored SIGTERM, killing", "grace", r.inv.grace.String())
	if err := kill(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.ErrorContext(ctx, "killing process", "error", err)
	}
	<-done
}

func interrupted(err error) state {
	if errors.Is(err, context.DeadlineExceeded) {
		return stateTimedOut
	}
	return stateCanceled
}

func exitCode(ps *os.ProcessState) *int {
	if ps == nil || !ps.Exited() {
		return nil
	}
	code := ps.ExitCode()
	return &code
}
