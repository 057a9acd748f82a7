package reader

import "context"

// Reader abstracts read-only data access for CLI commands.
// All methods are read-only: a log that is still being written is read up
// to its committed tail.
type Reader interface {
	// Inspect operations
	InspectRun(ctx context.Context, logPath string) (*InspectRunResponse, error)
	Records(ctx context.Context, logPath string, opts RecordsOptions) ([]RecordItem, error)

	// Stats operations
	StatsRuns(ctx context.Context, runDir string) (*RunStats, error)
	StatsMetrics(reportPath string) (*MetricsSnapshot, error)

	// List operations
	ListRuns(ctx context.Context, runDir string, opts ListRunsOptions) ([]ListRunItem, error)

	// Replay operations
	VerifyReplay(ctx context.Context, logPath string, remote SegmentSource) (*ReplayReport, error)

	// Debug operations
	DebugIPC(capturePath string, verbose bool) (*IPCDebugResponse, error)
}

// defaultReader is the package-level reader instance.
var defaultReader Reader = NewLogReader()

// SetReader sets the package-level reader instance.
// Tests swap in fakes through it.
func SetReader(r Reader) {
	defaultReader = r
}

// GetReader returns the current package-level reader instance.
func GetReader() Reader {
	return defaultReader
}
