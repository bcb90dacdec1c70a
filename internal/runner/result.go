package runner

import (
	"time"

	"github.com/deixis/pyrun/internal/sentinel"
)

// Result holds the outcome of one script execution. A Result returned
// without error always has Success set and a Payload.
type Result struct {
	ID        string            // unique identifier for this run
	Script    string            // resolved script path
	Args      []string          // positional script arguments
	Success   bool              // exited 0 with a well-formed payload
	Stdout    string            // captured stdout (may be truncated)
	Stderr    string            // captured stderr (may be truncated)
	ExitCode  *int              // nil when killed or never exited normally
	Started   time.Time         // spawn time, UTC
	Elapsed   time.Duration     // spawn to terminal state
	Timeout   time.Duration     // effective timeout
	Truncated bool              // true if either stream exceeded the size cap
	Payload   *sentinel.Payload // extracted payload, nil unless Success
}
