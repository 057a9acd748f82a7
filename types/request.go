package types

// RequestKind discriminates Request payloads.
type RequestKind string

// Request kinds understood by the core.
const (
	RequestDefer            RequestKind = "defer"
	RequestGetSummary       RequestKind = "get_summary"
	RequestSampledHistory   RequestKind = "sampled_history"
	RequestInternalMessages RequestKind = "internal_messages"
	RequestStatus           RequestKind = "status"
	RequestPollExit         RequestKind = "poll_exit"
	RequestKeepalive        RequestKind = "keepalive"
	RequestCancel           RequestKind = "cancel"
	RequestShutdown         RequestKind = "shutdown"
)

// Request asks the core for information or an action.
// Only the fields relevant to Kind are set.
type Request struct {
	Kind RequestKind `msgpack:"kind"`
	// State is the shutdown state being entered (RequestDefer).
	State DeferState `msgpack:"state,omitempty"`
	// CancelSlot is the mailbox slot whose waiter is cancelled (RequestCancel).
	CancelSlot string `msgpack:"cancel_slot,omitempty"`
}

// IsPersisted reports whether requests of this kind are written to the log.
// Only shutdown progress is part of the durable run history.
func (k RequestKind) IsPersisted() bool {
	return k == RequestDefer
}
