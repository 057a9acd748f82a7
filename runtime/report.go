package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/types"
)

// RunReport is the structured JSON report written by serve --report.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Outcome    OutcomeStatus `json:"outcome"`
	Message    string        `json:"message"`
	ExitCode   int           `json:"exit_code"`
	DurationMs int64         `json:"duration_ms"`
	Resumed    bool          `json:"resumed"`
	LastSeq    int64         `json:"last_seq"`
	SyncOffset int64         `json:"sync_offset"`

	Shutdown   *ReportShutdown        `json:"shutdown"`
	Sync       *ReportSync            `json:"sync"`
	Operations types.OperationStats   `json:"operations"`
	Files      *types.FilePusherStats `json:"files"`
	Metrics    *metrics.Snapshot      `json:"metrics"`

	RunExitCode  *int32   `json:"run_exit_code,omitempty"`
	FailedStates []string `json:"failed_states,omitempty"`
}

// ReportShutdown holds the shutdown sequence in the report.
type ReportShutdown struct {
	From    string        `json:"from"`
	Reached string        `json:"reached"`
	Sealed  bool          `json:"sealed"`
	States  []ReportState `json:"states"`
}

// ReportState is one shutdown state in the report.
type ReportState struct {
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ReportSync holds sync policy stats in the report.
type ReportSync struct {
	Name             string           `json:"name"`
	RecordsReceived  int64            `json:"records_received"`
	RecordsPersisted int64            `json:"records_persisted"`
	Buffered         int64            `json:"buffered"`
	Flushes          int64            `json:"flushes"`
	Errors           int64            `json:"errors"`
	FlushTriggers    map[string]int64 `json:"flush_triggers,omitempty"`
}

// BuildRunReport composes a RunReport from a RunResult and metrics snapshot.
// The policyName is the sync policy name ("strict", "streaming", "noop").
func BuildRunReport(result *RunResult, snap metrics.Snapshot, policyName string) *RunReport {
	ps := result.PolicyStats
	report := &RunReport{
		RunID:      result.RunID,
		Outcome:    result.Outcome.Status,
		Message:    result.Outcome.Message,
		ExitCode:   result.Outcome.ExitCode(),
		DurationMs: result.Duration.Milliseconds(),
		Resumed:    result.Resumed,
		LastSeq:    result.State.LastSeq,
		SyncOffset: result.SyncOffset,
		Sync: &ReportSync{
			Name:             policyName,
			RecordsReceived:  ps.TotalRecords,
			RecordsPersisted: ps.RecordsPersisted,
			Buffered:         ps.BufferedRecords,
			Flushes:          ps.FlushCount,
			Errors:           ps.Errors,
			FlushTriggers:    snap.FlushTriggers,
		},
		Operations:   result.Operations,
		Files:        &result.FilePusher,
		Metrics:      &snap,
		RunExitCode:  result.State.ExitCode,
		FailedStates: result.Outcome.FailedStates,
	}

	if sr := result.Shutdown; sr != nil {
		rs := &ReportShutdown{
			From:    sr.From.String(),
			Reached: sr.Reached.String(),
			Sealed:  sr.Sealed,
			States:  make([]ReportState, 0, len(sr.States)),
		}
		for _, st := range sr.States {
			entry := ReportState{State: st.State.String(), DurationMs: st.Duration.Milliseconds()}
			if st.Err != nil {
				entry.Error = st.Err.Error()
			}
			rs.States = append(rs.States, entry)
		}
		report.Shutdown = rs
	}

	return report
}

// WriteRunReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteRunReport(report *RunReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeRunReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// writeRunReportTo writes report JSON to any writer (for testing).
func writeRunReportTo(report *RunReport, w io.Writer) error {
	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func marshalReport(report *RunReport) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}
