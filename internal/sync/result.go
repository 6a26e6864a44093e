package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sheetsync/sheetsync/internal/fault"
	"github.com/sheetsync/sheetsync/internal/remote"
)

// Outcome is the final state of a pass.
type Outcome string

const (
	// Skipped means the gate reported no connectivity; no remote call was made.
	Skipped Outcome = "skipped"
	// Succeeded means every sub-table was pushed and marked.
	Succeeded Outcome = "succeeded"
	// Failed means at least one step failed; see Result.Err.
	Failed Outcome = "failed"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerUser     Trigger = "user"
	TriggerMutation Trigger = "mutation"
	TriggerPeriodic Trigger = "periodic"
	TriggerWatcher  Trigger = "watcher"
)

// TableResult reports the push of one sub-table.
type TableResult struct {
	Collection string
	Rows       int
	Marked     int
	Err        error
}

// Result reports a finished pass.
type Result struct {
	Outcome  Outcome
	Trigger  Trigger
	Err      error
	Handle   remote.Handle
	Tables   []TableResult
	Started  time.Time
	Duration time.Duration
}

// Fault names the fault class of a failed pass: "internal", "storage",
// "remote" or "". A recovered panic outranks every other fault.
func (r Result) Fault() string {
	switch {
	case r.Outcome != Failed:
		return ""
	case fault.IsInternal(r.Err):
		return "internal"
	case fault.IsStorage(r.Err):
		return "storage"
	case fault.IsRemote(r.Err):
		return "remote"
	default:
		return "internal"
	}
}

// Marked returns the number of records marked synced by the pass.
func (r Result) Marked() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Marked
	}
	return n
}

// String returns a one-line summary.
func (r Result) String() string {
	switch r.Outcome {
	case Skipped:
		return "skipped (offline)"
	case Succeeded:
		return fmt.Sprintf("succeeded: %d tables, %d records marked in %v",
			len(r.Tables), r.Marked(), r.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("failed (%s): %v", r.Fault(), r.Err)
	}
}

type tableJSON struct {
	Collection string `json:"collection"`
	Rows       int    `json:"rows"`
	Marked     int    `json:"marked"`
	Error      string `json:"error,omitempty"`
}

type resultJSON struct {
	Outcome    Outcome     `json:"outcome"`
	Trigger    Trigger     `json:"trigger"`
	Fault      string      `json:"fault,omitempty"`
	Error      string      `json:"error,omitempty"`
	Handle     string      `json:"handle,omitempty"`
	Tables     []tableJSON `json:"tables,omitempty"`
	Started    time.Time   `json:"started"`
	DurationMS int64       `json:"duration_ms"`
}

// MarshalJSON renders errors as strings.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Outcome:    r.Outcome,
		Trigger:    r.Trigger,
		Fault:      r.Fault(),
		Handle:     string(r.Handle),
		Started:    r.Started,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	for _, t := range r.Tables {
		tj := tableJSON{Collection: t.Collection, Rows: t.Rows, Marked: t.Marked}
		if t.Err != nil {
			tj.Error = t.Err.Error()
		}
		out.Tables = append(out.Tables, tj)
	}
	return json.Marshal(out)
}
