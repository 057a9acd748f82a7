// Package types defines core domain types for the trackd runtime core.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RecordType is the payload discriminator of a Record.
type RecordType string

// Record type constants. The set is closed; every consumer switches over it.
const (
	RecordTypeHistory  RecordType = "history"
	RecordTypeSummary  RecordType = "summary"
	RecordTypeConfig   RecordType = "config"
	RecordTypeMetric   RecordType = "metric"
	RecordTypeFiles    RecordType = "files"
	RecordTypeStats    RecordType = "stats"
	RecordTypeRunStart RecordType = "run_start"
	RecordTypeRunExit  RecordType = "run_exit"
	RecordTypeRequest  RecordType = "request"
	RecordTypeControl  RecordType = "control"
)

// Control carries correlation and delivery metadata for a Record or Result.
type Control struct {
	// ExpectsResponse marks a record that must be answered with a Result.
	ExpectsResponse bool `msgpack:"req_resp,omitempty" json:"expects_response,omitempty"`
	// IsLocal records are applied but never persisted.
	IsLocal bool `msgpack:"local,omitempty" json:"is_local,omitempty"`
	// MailboxSlot correlates a Result with the Record that asked for it.
	// Present iff ExpectsResponse is set.
	MailboxSlot string `msgpack:"mailbox_slot,omitempty" json:"mailbox_slot,omitempty"`
	// AlwaysDeliverToClient forces the Result onto the client connection
	// even when an in-process waiter consumed it.
	AlwaysDeliverToClient bool `msgpack:"always_send,omitempty" json:"always_deliver_to_client,omitempty"`
	// RequiresFlowControl subjects the record to backpressure.
	RequiresFlowControl bool `msgpack:"flow_control,omitempty" json:"requires_flow_control,omitempty"`
	// EndOffset is the log offset marking the end of this logical write.
	EndOffset int64 `msgpack:"end_offset,omitempty" json:"end_offset,omitempty"`
	// ConnectionID identifies the client connection the record arrived on.
	ConnectionID string `msgpack:"connection_id,omitempty" json:"connection_id,omitempty"`
	// RelayID is forwarded untouched for relaying clients.
	RelayID string `msgpack:"relay_id,omitempty" json:"relay_id,omitempty"`
}

// Validate checks the slot/response pairing.
func (c *Control) Validate() error {
	if c.ExpectsResponse && c.MailboxSlot == "" {
		return errors.New("expects_response requires a mailbox_slot")
	}
	if !c.ExpectsResponse && c.MailboxSlot != "" {
		return fmt.Errorf("mailbox_slot %q set without expects_response", c.MailboxSlot)
	}
	return nil
}

// Record is the atomic unit of the client stream.
type Record struct {
	// Seq is strictly increasing per run and addresses the record in the log.
	Seq int64
	// UUID deduplicates resent records.
	UUID string
	// RunID is the run the record belongs to.
	RunID string
	// Control is the correlation block.
	Control Control
	// Payload is exactly one of the sealed payload variants.
	// Nil is equivalent to ControlOnly.
	Payload Payload
}

// Type returns the payload discriminator.
func (r *Record) Type() RecordType {
	if r.Payload == nil {
		return RecordTypeControl
	}
	return r.Payload.RecordType()
}

// Payload is the sealed set of record payloads.
type Payload interface {
	RecordType() RecordType
	isPayload()
}

// Item is a key/value pair whose value travels JSON-encoded.
type Item struct {
	Key       string   `msgpack:"key" json:"key"`
	NestedKey []string `msgpack:"nested_key,omitempty" json:"nested_key,omitempty"`
	ValueJSON string   `msgpack:"value_json,omitempty" json:"value_json,omitempty"`
}

// NewItem encodes v as the item's value.
func NewItem(key string, v any) (Item, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Item{}, fmt.Errorf("encode %q: %w", key, err)
	}
	return Item{Key: key, ValueJSON: string(b)}, nil
}

// MustItem is NewItem for values known to be encodable.
func MustItem(key string, v any) Item {
	it, err := NewItem(key, v)
	if err != nil {
		panic(err)
	}
	return it
}

// Path returns the key path addressed by the item.
func (i Item) Path() []string {
	if len(i.NestedKey) > 0 {
		return i.NestedKey
	}
	return []string{i.Key}
}

// Value decodes the item's JSON value.
func (i Item) Value() (any, error) {
	if i.ValueJSON == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(i.ValueJSON), &v); err != nil {
		return nil, fmt.Errorf("decode %q: %w", i.Key, err)
	}
	return v, nil
}

// OpKind is a config/summary mutation.
type OpKind string

const (
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// KeyOp is one ordered mutation of a Config or Summary key.
type KeyOp struct {
	Op   OpKind `msgpack:"op" json:"op"`
	Item Item   `msgpack:"item" json:"item"`
}

// HistoryUpdate adds keys to the partial history row.
type HistoryUpdate struct {
	Items []Item `msgpack:"items"`
	// Step, when set, addresses the row explicitly.
	Step *int64 `msgpack:"step,omitempty"`
	// Flush commits the row at the cursor and advances it.
	Flush *bool `msgpack:"flush,omitempty"`
}

// ShouldFlush reports whether the update carries an explicit flush action.
func (h *HistoryUpdate) ShouldFlush() bool {
	return h.Flush != nil && *h.Flush
}

// SummaryUpdate mutates the run summary in op order.
type SummaryUpdate struct {
	Ops []KeyOp `msgpack:"ops"`
}

// ConfigUpdate mutates the run config in op order.
type ConfigUpdate struct {
	Ops []KeyOp `msgpack:"ops"`
}

// NewConfigUpdate orders updates before removes.
func NewConfigUpdate(update, remove []Item) *ConfigUpdate {
	return &ConfigUpdate{Ops: splitOps(update, remove)}
}

// NewSummaryUpdate orders updates before removes.
func NewSummaryUpdate(update, remove []Item) *SummaryUpdate {
	return &SummaryUpdate{Ops: splitOps(update, remove)}
}

func splitOps(update, remove []Item) []KeyOp {
	ops := make([]KeyOp, 0, len(update)+len(remove))
	for _, it := range update {
		ops = append(ops, KeyOp{Op: OpUpdate, Item: it})
	}
	for _, it := range remove {
		ops = append(ops, KeyOp{Op: OpRemove, Item: Item{Key: it.Key, NestedKey: it.NestedKey}})
	}
	return ops
}

// FilePolicy controls when a declared file is uploaded.
type FilePolicy string

const (
	// FilePolicyNow uploads immediately.
	FilePolicyNow FilePolicy = "now"
	// FilePolicyLive uploads immediately and again at the end of the run.
	FilePolicyLive FilePolicy = "live"
	// FilePolicyEnd uploads during shutdown.
	FilePolicyEnd FilePolicy = "end"
)

// FileCategory buckets uploads for FilePusherStats.
type FileCategory string

const (
	FileCategoryMedia    FileCategory = "media"
	FileCategoryArtifact FileCategory = "artifact"
	FileCategoryInternal FileCategory = "internal"
	FileCategoryOther    FileCategory = "other"
)

// FileItem is one declared file, relative to the run files directory.
type FileItem struct {
	Path     string       `msgpack:"path" json:"path"`
	Policy   FilePolicy   `msgpack:"policy" json:"policy"`
	Category FileCategory `msgpack:"category,omitempty" json:"category,omitempty"`
}

// FileDeclaration declares files for upload.
type FileDeclaration struct {
	Files []FileItem `msgpack:"files"`
}

// SystemStatsSample is one sampler reading.
type SystemStatsSample struct {
	Timestamp time.Time `msgpack:"timestamp"`
	Items     []Item    `msgpack:"items"`
}

// RunStart creates the run.
type RunStart struct {
	Run RunInfo `msgpack:"run"`
}

// RunExit records the client's exit status.
type RunExit struct {
	ExitCode       int32   `msgpack:"exit_code"`
	RuntimeSeconds float64 `msgpack:"runtime_seconds,omitempty"`
}

// ControlOnly carries no payload; only its Control block matters.
type ControlOnly struct{}

func (*HistoryUpdate) RecordType() RecordType     { return RecordTypeHistory }
func (*SummaryUpdate) RecordType() RecordType     { return RecordTypeSummary }
func (*ConfigUpdate) RecordType() RecordType      { return RecordTypeConfig }
func (*MetricDefinition) RecordType() RecordType  { return RecordTypeMetric }
func (*FileDeclaration) RecordType() RecordType   { return RecordTypeFiles }
func (*SystemStatsSample) RecordType() RecordType { return RecordTypeStats }
func (*RunStart) RecordType() RecordType          { return RecordTypeRunStart }
func (*RunExit) RecordType() RecordType           { return RecordTypeRunExit }
func (*Request) RecordType() RecordType           { return RecordTypeRequest }
func (*ControlOnly) RecordType() RecordType       { return RecordTypeControl }

func (*HistoryUpdate) isPayload()     {}
func (*SummaryUpdate) isPayload()     {}
func (*ConfigUpdate) isPayload()      {}
func (*MetricDefinition) isPayload()  {}
func (*FileDeclaration) isPayload()   {}
func (*SystemStatsSample) isPayload() {}
func (*RunStart) isPayload()          {}
func (*RunExit) isPayload()           {}
func (*Request) isPayload()           {}
func (*ControlOnly) isPayload()       {}

// NewPayload returns an empty payload for the given type, for decoding.
func NewPayload(t RecordType) (Payload, error) {
	switch t {
	case RecordTypeHistory:
		return &HistoryUpdate{}, nil
	case RecordTypeSummary:
		return &SummaryUpdate{}, nil
	case RecordTypeConfig:
		return &ConfigUpdate{}, nil
	case RecordTypeMetric:
		return &MetricDefinition{}, nil
	case RecordTypeFiles:
		return &FileDeclaration{}, nil
	case RecordTypeStats:
		return &SystemStatsSample{}, nil
	case RecordTypeRunStart:
		return &RunStart{}, nil
	case RecordTypeRunExit:
		return &RunExit{}, nil
	case RecordTypeRequest:
		return &Request{}, nil
	case RecordTypeControl:
		return &ControlOnly{}, nil
	default:
		return nil, &Error{Kind: KindUnsupported, Op: "decode", Err: fmt.Errorf("unknown record type %q", t)}
	}
}
