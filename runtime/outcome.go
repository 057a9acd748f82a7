package runtime

import (
	"fmt"
	"strings"

	"github.com/pithecene-io/trackd/shutdown"
)

// OutcomeStatus classifies how a served run ended.
type OutcomeStatus string

const (
	// OutcomeCompleted: every shutdown state succeeded and the log is sealed.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeDegraded: the log is sealed but some shutdown states failed,
	// typically uploads or remote sync.
	OutcomeDegraded OutcomeStatus = "degraded"
	// OutcomeInterrupted: the run stopped before END and can be resumed.
	OutcomeInterrupted OutcomeStatus = "interrupted"
	// OutcomeLogFailure: the persistent log failed; the run stopped unsealed.
	OutcomeLogFailure OutcomeStatus = "log_failure"
)

// Exit codes of the serve command.
const (
	ExitCodeCompleted   = 0
	ExitCodeDegraded    = 1
	ExitCodeInterrupted = 2
	ExitCodeLogFailure  = 3
)

// Outcome is the classified end of a run.
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Message string        `json:"message"`
	// FailedStates names the shutdown states that recorded an error.
	FailedStates []string `json:"failed_states,omitempty"`
}

// ExitCode maps the outcome to a process exit code.
func (o *Outcome) ExitCode() int {
	switch o.Status {
	case OutcomeCompleted:
		return ExitCodeCompleted
	case OutcomeDegraded:
		return ExitCodeDegraded
	case OutcomeLogFailure:
		return ExitCodeLogFailure
	default:
		return ExitCodeInterrupted
	}
}

// DetermineOutcome classifies a run from its shutdown report and the error
// that ended serving, if any.
//
// Precedence:
//  1. a log failure, whatever the report says
//  2. an unsealed run is interrupted
//  3. a sealed run with failed states is degraded
//  4. otherwise completed
//
// A broken client stream alone does not fail a sealed run: everything the
// client managed to send was drained and sealed.
func DetermineOutcome(report *shutdown.Report, err error) *Outcome {
	if IsLogError(err) {
		return &Outcome{Status: OutcomeLogFailure, Message: fmt.Sprintf("log failure: %v", err)}
	}
	if report == nil || !report.Sealed {
		msg := "shutdown did not start"
		if report != nil {
			msg = fmt.Sprintf("stopped in %s", report.Reached)
		}
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		return &Outcome{Status: OutcomeInterrupted, Message: msg}
	}

	failed := report.Failed()
	if len(failed) == 0 {
		msg := "run sealed"
		if IsStreamError(err) {
			msg = fmt.Sprintf("run sealed after client stream error: %v", err)
		}
		return &Outcome{Status: OutcomeCompleted, Message: msg}
	}

	names := make([]string, 0, len(failed))
	details := make([]string, 0, len(failed))
	for _, f := range failed {
		names = append(names, f.State.String())
		details = append(details, fmt.Sprintf("%s: %v", f.State, f.Err))
	}
	return &Outcome{
		Status:       OutcomeDegraded,
		Message:      "run sealed with failures: " + strings.Join(details, "; "),
		FailedStates: names,
	}
}
