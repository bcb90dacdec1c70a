package runner

import (
	"errors"
	"fmt"
	"time"
)

// Failure kinds. Every error returned by Execute is an *Error that
// matches exactly one of these with errors.Is.
var (
	ErrScriptNotFound = errors.New("script not found")
	ErrSpawnFailed    = errors.New("failed to start interpreter")
	ErrTimeout        = errors.New("timed out")
	ErrCanceled       = errors.New("canceled")
	ErrNonZeroExit    = errors.New("non-zero exit")
	ErrNoPayloadFound = errors.New("no payload found")
	ErrPayloadParse   = errors.New("payload parse error")
)

var kindNames = map[error]string{
	ErrScriptNotFound: "script_not_found",
	ErrSpawnFailed:    "spawn_failed",
	ErrTimeout:        "timeout",
	ErrCanceled:       "canceled",
	ErrNonZeroExit:    "non_zero_exit",
	ErrNoPayloadFound: "no_payload_found",
	ErrPayloadParse:   "payload_parse_error",
}

// Error is a classified execution failure. Result carries whatever was
// captured before the failure; for ErrScriptNotFound and ErrSpawnFailed
// its streams are empty.
type Error struct {
	Kind   error
	Result *Result
	Raw    string // text between the markers, ErrPayloadParse only
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var (
		script  string
		timeout time.Duration
	)
	if e.Result != nil {
		script, timeout = e.Result.Script, e.Result.Timeout
	}

	var msg string
	switch e.Kind {
	case ErrNonZeroExit:
		if code, ok := e.ExitCode(); ok {
			msg = fmt.Sprintf("%s exited with code %d", script, code)
		} else {
			msg = fmt.Sprintf("%s terminated without an exit code", script)
		}
	case ErrTimeout:
		msg = fmt.Sprintf("%s timed out after %s", script, timeout)
	default:
		msg = fmt.Sprintf("%s: %s", e.Kind, script)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ExitCode returns the process exit code, if the process exited normally.
func (e *Error) ExitCode() (int, bool) {
	if e.Result == nil || e.Result.ExitCode == nil {
		return 0, false
	}
	return *e.Result.ExitCode, true
}

// KindName returns a stable snake_case name for the failure kind of err,
// or "" if err is nil or not an execution failure.
func KindName(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return kindNames[e.Kind]
}
