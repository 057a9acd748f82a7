package lode

import (
	"encoding/base64"

	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/types"
)

// RecordKind discriminator values.
const (
	RecordKindSync = "sync"
)

// SyncRecord documents the stored shape of one synced entry. Lode's Hive
// layout takes records as map[string]any; see toSyncRecordMap.
type SyncRecord struct {
	RecordKind string `json:"record_kind"`

	ContractVersion string `json:"contract_version"`
	Seq             int64  `json:"seq"`
	UUID            string `json:"uuid,omitempty"`
	Offset          int64  `json:"offset"`
	EndOffset       int64  `json:"end_offset"`
	// Payload is the base64 msgpack encoding of the record as it appears
	// in the log.
	Payload string `json:"payload"`

	// Partition keys
	Entity     string `json:"entity"`
	Project    string `json:"project"`
	Day        string `json:"day"`
	RunID      string `json:"run_id"`
	RecordType string `json:"record_type"`
}

// toSyncRecordMap converts an entry to its stored form.
func toSyncRecordMap(e policy.Entry, data []byte, cfg Config) map[string]any {
	m := map[string]any{
		"record_kind":      RecordKindSync,
		"contract_version": types.ContractVersion,
		"seq":              e.Record.Seq,
		"offset":           e.Offset,
		"end_offset":       e.End,
		"payload":          base64.StdEncoding.EncodeToString(data),
		"entity":           cfg.Entity,
		"project":          cfg.Project,
		"day":              cfg.Day,
		"run_id":           cfg.RunID,
		"record_type":      string(e.Record.Type()),
	}
	if e.Record.UUID != "" {
		m["uuid"] = e.Record.UUID
	}
	return m
}
