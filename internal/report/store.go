// Package report provides persistence and retrieval of run records. A
// record is the serializable summary of one execution, successful or not.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/deixis/pyrun/internal/runner"
)

// Job identifies what produced a run.
type Job string

const (
	// Execute is a direct script execution.
	Execute Job = "execute"
	// Scrap is a scraping job.
	Scrap Job = "scrap"
	// Eval is an evaluation job.
	Eval Job = "eval"
)

// ErrNotFound is returned by Load for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store persists and retrieves run records.
type Store interface {
	Save(rec *Record) error
	Load(runID string) (*Record, error)
}

// Record is the stored form of one execution.
type Record struct {
	ID        string          `json:"id" jsonschema:"required,format=uuid"`
	Job       Job             `json:"job" jsonschema:"required,enum=execute,enum=scrap,enum=eval"`
	Script    string          `json:"script" jsonschema:"required"`
	Args      []string        `json:"args"`
	Success   bool            `json:"success"`
	ExitCode  *int            `json:"exit_code"`
	Kind      string          `json:"kind,omitempty" jsonschema:"enum=script_not_found,enum=spawn_failed,enum=timeout,enum=canceled,enum=non_zero_exit,enum=no_payload_found,enum=payload_parse_error"`
	Error     string          `json:"error,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	Truncated bool            `json:"truncated,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Started   time.Time       `json:"started"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// NewRecord summarizes the return values of runner.Runner.Execute. It
// returns nil when neither carries a result.
func NewRecord(job Job, res *runner.Result, err error) *Record {
	var execErr *runner.Error
	if errors.As(err, &execErr) && res == nil {
		res = execErr.Result
	}
	if res == nil {
		return nil
	}

	rec := &Record{
		ID:        res.ID,
		Job:       job,
		Script:    res.Script,
		Args:      res.Args,
		Success:   res.Success,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Truncated: res.Truncated,
		Started:   res.Started,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if res.Payload != nil {
		rec.Payload = res.Payload.Raw
	}
	if err != nil {
		rec.Kind = runner.KindName(err)
		rec.Error = err.Error()
		if execErr != nil {
			rec.Raw = execErr.Raw
		}
	}
	return rec
}

// Elapsed returns the run duration.
func (r *Record) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMS) * time.Millisecond
}

// Expect returns an error if the record was not produced by job.
func (r *Record) Expect(want Job) error {
	if r.Job != want {
		return fmt.Errorf("run %s is a %s run, not a %s run", r.ID, r.Job, want)
	}
	return nil
}

// Schema returns the JSON Schema of Record.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Record{})
	s.Title = "pyrun run record"
	return s
}
