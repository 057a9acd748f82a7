package types

// ResponseType is the discriminator of a Result's response.
type ResponseType string

const (
	ResponseAck              ResponseType = "ack"
	ResponseSummary          ResponseType = "summary"
	ResponseSampledHistory   ResponseType = "sampled_history"
	ResponseInternalMessages ResponseType = "internal_messages"
	ResponseStatus           ResponseType = "status"
	ResponsePollExit         ResponseType = "poll_exit"
	ResponseCancelled        ResponseType = "cancelled"
	ResponseError            ResponseType = "error"
)

// Result answers a Record. Control.MailboxSlot echoes the record's slot.
type Result struct {
	// Seq is the sequence number of the record being answered.
	Seq      int64
	Control  Control
	Response Response
}

// Type returns the response discriminator.
func (r *Result) Type() ResponseType {
	if r.Response == nil {
		return ResponseAck
	}
	return r.Response.ResponseType()
}

// Response is the sealed set of result bodies.
type Response interface {
	ResponseType() ResponseType
	isResponse()
}

// Ack acknowledges a record. Offset is -1 for records that were not persisted.
type Ack struct {
	Offset int64 `msgpack:"offset"`
}

// SummaryResponse returns the current summary.
type SummaryResponse struct {
	Items []Item `msgpack:"items"`
}

// SampledHistoryItem is a bounded sample of one numeric history key.
type SampledHistoryItem struct {
	Key    string    `msgpack:"key" json:"key"`
	Values []float64 `msgpack:"values" json:"values"`
}

// SampledHistoryResponse returns sampled history for every numeric key.
type SampledHistoryResponse struct {
	Items []SampledHistoryItem `msgpack:"items"`
}

// InternalMessagesResponse drains the warnings raised while folding records.
type InternalMessagesResponse struct {
	Warnings []string `msgpack:"warnings"`
}

// StatusResponse reports ingestion progress.
type StatusResponse struct {
	RunID       string     `msgpack:"run_id"`
	LastSeq     int64      `msgpack:"last_seq"`
	HistoryStep int64      `msgpack:"history_step"`
	DeferState  DeferState `msgpack:"defer_state"`
}

// PollExitResponse reports shutdown progress.
type PollExitResponse struct {
	Done       bool            `msgpack:"done"`
	ExitCode   *int32          `msgpack:"exit_code,omitempty"`
	FilePusher FilePusherStats `msgpack:"file_pusher"`
	Operations OperationStats  `msgpack:"operations"`
}

// Cancelled is delivered to a waiter whose slot was cancelled.
type Cancelled struct {
	Slot string `msgpack:"slot"`
}

// ErrorResponse reports a failure handling the record.
type ErrorResponse struct {
	Kind    ErrorKind `msgpack:"kind"`
	Message string    `msgpack:"message"`
}

func (*Ack) ResponseType() ResponseType                      { return ResponseAck }
func (*SummaryResponse) ResponseType() ResponseType          { return ResponseSummary }
func (*SampledHistoryResponse) ResponseType() ResponseType   { return ResponseSampledHistory }
func (*InternalMessagesResponse) ResponseType() ResponseType { return ResponseInternalMessages }
func (*StatusResponse) ResponseType() ResponseType           { return ResponseStatus }
func (*PollExitResponse) ResponseType() ResponseType         { return ResponsePollExit }
func (*Cancelled) ResponseType() ResponseType                { return ResponseCancelled }
func (*ErrorResponse) ResponseType() ResponseType            { return ResponseError }

func (*Ack) isResponse()                      {}
func (*SummaryResponse) isResponse()          {}
func (*SampledHistoryResponse) isResponse()   {}
func (*InternalMessagesResponse) isResponse() {}
func (*StatusResponse) isResponse()           {}
func (*PollExitResponse) isResponse()         {}
func (*Cancelled) isResponse()                {}
func (*ErrorResponse) isResponse()            {}

// NewResponse returns an empty response for the given type, for decoding.
func NewResponse(t ResponseType) (Response, error) {
	switch t {
	case ResponseAck:
		return &Ack{}, nil
	case ResponseSummary:
		return &SummaryResponse{}, nil
	case ResponseSampledHistory:
		return &SampledHistoryResponse{}, nil
	case ResponseInternalMessages:
		return &InternalMessagesResponse{}, nil
	case ResponseStatus:
		return &StatusResponse{}, nil
	case ResponsePollExit:
		return &PollExitResponse{}, nil
	case ResponseCancelled:
		return &Cancelled{}, nil
	case ResponseError:
		return &ErrorResponse{}, nil
	default:
		return nil, &Error{Kind: KindUnsupported, Op: "decode", Err: errUnknownResponse(t)}
	}
}

// NewErrorResult builds the Result reporting err for rec.
func NewErrorResult(rec *Record, err error) *Result {
	return &Result{
		Seq:      rec.Seq,
		Control:  rec.Control,
		Response: &ErrorResponse{Kind: KindOf(err), Message: err.Error()},
	}
}
