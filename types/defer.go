package types

import "fmt"

// DeferState is a stage of the shutdown sequence.
// The zero value is DeferNone: shutdown has not started.
type DeferState int

// Shutdown stages in their only legal order.
const (
	DeferNone DeferState = iota
	DeferBegin
	DeferFlushRun
	DeferFlushStats
	DeferFlushPartialHistory
	DeferFlushTensorEvents
	DeferFlushSummary
	DeferFlushDebouncedWrites
	DeferFlushOutput
	DeferFlushJobMetadata
	DeferFlushFileDir
	DeferFlushFilePusher
	DeferJoinFilePusher
	DeferFlushLogSync
	DeferFinal
	DeferEnd
)

var deferStateNames = [...]string{
	DeferNone:                 "NONE",
	DeferBegin:                "BEGIN",
	DeferFlushRun:             "FLUSH_RUN",
	DeferFlushStats:           "FLUSH_STATS",
	DeferFlushPartialHistory:  "FLUSH_PARTIAL_HISTORY",
	DeferFlushTensorEvents:    "FLUSH_TENSOR_EVENTS",
	DeferFlushSummary:         "FLUSH_SUMMARY",
	DeferFlushDebouncedWrites: "FLUSH_DEBOUNCED_WRITES",
	DeferFlushOutput:          "FLUSH_OUTPUT",
	DeferFlushJobMetadata:     "FLUSH_JOB_METADATA",
	DeferFlushFileDir:         "FLUSH_FILE_DIR",
	DeferFlushFilePusher:      "FLUSH_FILE_PUSHER",
	DeferJoinFilePusher:       "JOIN_FILE_PUSHER",
	DeferFlushLogSync:         "FLUSH_LOG_SYNC",
	DeferFinal:                "FINAL",
	DeferEnd:                  "END",
}

func (s DeferState) String() string {
	if s < DeferNone || s > DeferEnd {
		return fmt.Sprintf("DeferState(%d)", int(s))
	}
	return deferStateNames[s]
}

// Valid reports whether s is a known state.
func (s DeferState) Valid() bool {
	return s >= DeferNone && s <= DeferEnd
}

// Next returns the state that follows s. END is absorbing.
func (s DeferState) Next() DeferState {
	if s >= DeferEnd {
		return DeferEnd
	}
	return s + 1
}

// ParseDeferState parses a state name as printed by String.
func ParseDeferState(name string) (DeferState, error) {
	for i, n := range deferStateNames {
		if n == name {
			return DeferState(i), nil
		}
	}
	return DeferNone, fmt.Errorf("unknown defer state %q", name)
}

// DeferSequence returns the shutdown stages from BEGIN to END.
func DeferSequence() []DeferState {
	seq := make([]DeferState, 0, int(DeferEnd))
	for s := DeferBegin; s <= DeferEnd; s++ {
		seq = append(seq, s)
	}
	return seq
}
