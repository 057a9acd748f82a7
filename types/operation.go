package types

// OperationKind is the retry policy class of a PendingOperation.
type OperationKind string

const (
	OperationFileTransfer OperationKind = "file_transfer"
	OperationRemoteSync   OperationKind = "remote_sync"
	OperationMetricsRPC   OperationKind = "metrics_rpc"
)

// OperationKinds lists every policy class.
func OperationKinds() []OperationKind {
	return []OperationKind{OperationFileTransfer, OperationRemoteSync, OperationMetricsRPC}
}

// OperationCounts are lifetime counters for one policy class.
type OperationCounts struct {
	Scheduled      int64 `msgpack:"scheduled" json:"scheduled"`
	Attempts       int64 `msgpack:"attempts" json:"attempts"`
	Succeeded      int64 `msgpack:"succeeded" json:"succeeded"`
	TerminalFailed int64 `msgpack:"terminal_failed" json:"terminal_failed"`
	Pending        int64 `msgpack:"pending" json:"pending"`
}

// OperationStats are counters per policy class.
type OperationStats map[OperationKind]OperationCounts

// Failed returns the number of terminally failed operations across classes.
func (s OperationStats) Failed() int64 {
	var n int64
	for _, c := range s {
		n += c.TerminalFailed
	}
	return n
}

// FileCounts counts uploaded files by category.
type FileCounts struct {
	Media    int64 `msgpack:"media" json:"media"`
	Artifact int64 `msgpack:"artifact" json:"artifact"`
	Internal int64 `msgpack:"internal" json:"internal"`
	Other    int64 `msgpack:"other" json:"other"`
}

// FilePusherStats reports upload progress.
type FilePusherStats struct {
	UploadedBytes int64      `msgpack:"uploaded_bytes" json:"uploaded_bytes"`
	TotalBytes    int64      `msgpack:"total_bytes" json:"total_bytes"`
	DedupedBytes  int64      `msgpack:"deduped_bytes" json:"deduped_bytes"`
	FileCounts    FileCounts `msgpack:"file_counts" json:"file_counts"`
}
