package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/iox"
	"github.com/pithecene-io/trackd/state"
	"github.com/pithecene-io/trackd/types"
)

// LogExt is the file extension of run logs in a run directory.
const LogExt = ".trkd"

// LogPath returns the log of runID under runDir.
func LogPath(runDir, runID string) string {
	return filepath.Join(runDir, runID+LogExt)
}

// LogReader reads run logs from the local filesystem.
type LogReader struct {
	opts state.Options
}

// NewLogReader creates a LogReader with default aggregator options.
func NewLogReader() *LogReader {
	return &LogReader{}
}

// scanResult is one pass over a log.
type scanResult struct {
	agg       *state.Aggregator
	entries   int64
	lastSeq   int64
	sealed    bool
	size      int64
	trailing  int64
	corruptAt *int64
	byType    map[string]int64
	problems  []string
}

func (s *scanResult) runState() string {
	switch {
	case s.corruptAt != nil:
		return StateCorrupt
	case s.sealed:
		return StateSealed
	case s.agg.DeferState() != types.DeferNone:
		return StateStopping
	default:
		return StateActive
	}
}

// scan folds every committed entry of the log into a fresh aggregator.
// Corruption stops the scan and is reported, not returned.
func (r *LogReader) scan(ctx context.Context, path string, visit func(datastore.LogEntry, *types.Record)) (*scanResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, types.NewError(types.KindIO, "stat log", err)
	}
	rd, err := datastore.OpenReader(path, datastore.ReaderOptions{})
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(rd)

	res := &scanResult{
		agg:    state.New(r.opts),
		size:   info.Size(),
		byType: make(map[string]int64),
	}
	for {
		entry, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !types.IsKind(err, types.KindCorruption) {
				return nil, err
			}
			off := rd.Offset()
			res.corruptAt = &off
			res.problems = append(res.problems, err.Error())
			break
		}

		rec, err := entry.Record()
		if err != nil {
			off := entry.Offset
			res.corruptAt = &off
			res.problems = append(res.problems, fmt.Sprintf("offset %d: undecodable record: %v", off, err))
			break
		}
		if _, err := res.agg.Apply(rec); err != nil {
			res.problems = append(res.problems, fmt.Sprintf("offset %d: seq %d rejected on replay: %v", entry.Offset, rec.Seq, err))
		}
		res.entries++
		res.lastSeq = max(res.lastSeq, rec.Seq)
		res.byType[string(rec.Type())]++
		if visit != nil {
			visit(entry, rec)
		}
	}

	res.sealed = rd.Sealed()
	tail := rd.Offset()
	if res.sealed {
		tail += datastore.EntryHeaderSize
	}
	if res.corruptAt == nil {
		res.trailing = max(res.size-tail, 0)
	} else {
		res.trailing = res.size - *res.corruptAt
	}
	return res, nil
}

// InspectRun describes the run held by the log at logPath.
func (r *LogReader) InspectRun(ctx context.Context, logPath string) (*InspectRunResponse, error) {
	res, err := r.scan(ctx, logPath, nil)
	if err != nil {
		return nil, err
	}
	snap := res.agg.Snapshot()

	resp := &InspectRunResponse{
		RunID:          strings.TrimSuffix(filepath.Base(logPath), LogExt),
		LogPath:        logPath,
		State:          res.runState(),
		DeferState:     snap.DeferState.String(),
		ExitCode:       snap.ExitCode,
		Runtime:        snap.RuntimeSeconds,
		Entries:        res.entries,
		LastSeq:        res.lastSeq,
		SizeBytes:      res.size,
		TrailingBytes:  res.trailing,
		CorruptAt:      res.corruptAt,
		RecordsByType:  res.byType,
		HistoryStep:    snap.HistoryStep,
		HistoryRows:    snap.HistoryRows,
		StatsSamples:   snap.StatsSamples,
		Files:          len(snap.Files),
		Summary:        snap.Summary,
		Config:         snap.Config,
		ReplayWarnings: append(snap.Warnings, res.problems...),
	}
	if run := snap.Run; run != nil {
		resp.RunID = run.RunID
		resp.Project = run.Project
		resp.Entity = run.Entity
		resp.DisplayName = run.DisplayName
		if !run.StartTime.IsZero() {
			started := run.StartTime
			resp.StartedAt = &started
		}
	}
	return resp, nil
}

// Records lists the committed entries of the log that pass opts.
func (r *LogReader) Records(ctx context.Context, logPath string, opts RecordsOptions) ([]RecordItem, error) {
	items := make([]RecordItem, 0)
	_, err := r.scan(ctx, logPath, func(entry datastore.LogEntry, rec *types.Record) {
		if opts.Limit > 0 && len(items) >= opts.Limit {
			return
		}
		if rec.Seq < opts.FromSeq {
			return
		}
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, rec.Type()) {
			return
		}
		items = append(items, recordItem(entry.Offset, entry.End(), rec))
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func recordItem(offset, end int64, rec *types.Record) RecordItem {
	return RecordItem{
		Offset:  offset,
		End:     end,
		Seq:     rec.Seq,
		UUID:    rec.UUID,
		Type:    string(rec.Type()),
		Summary: Describe(rec),
	}
}

// ListRuns lists the run logs under runDir, most recently modified first.
func (r *LogReader) ListRuns(ctx context.Context, runDir string, opts ListRunsOptions) ([]ListRunItem, error) {
	paths, err := filepath.Glob(filepath.Join(runDir, "*"+LogExt))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", runDir, err)
	}

	runs := make([]ListRunItem, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		item := ListRunItem{
			RunID:      strings.TrimSuffix(filepath.Base(path), LogExt),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
			LogPath:    path,
		}
		res, err := r.scan(ctx, path, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			item.State = StateCorrupt
		} else {
			item.State = res.runState()
			item.DeferState = res.agg.DeferState().String()
			item.LastSeq = res.lastSeq
			item.Entries = res.entries
			if snap := res.agg.Snapshot(); snap.Run != nil {
				item.Project = snap.Run.Project
			}
		}
		if opts.State != "" && item.State != opts.State {
			continue
		}
		runs = append(runs, item)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].ModifiedAt.After(runs[j].ModifiedAt)
	})
	if opts.Limit > 0 && len(runs) > opts.Limit {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// StatsRuns counts the runs under runDir by state.
func (r *LogReader) StatsRuns(ctx context.Context, runDir string) (*RunStats, error) {
	runs, err := r.ListRuns(ctx, runDir, ListRunsOptions{})
	if err != nil {
		return nil, err
	}
	stats := &RunStats{Total: len(runs)}
	for _, run := range runs {
		switch run.State {
		case StateActive:
			stats.Active++
		case StateStopping:
			stats.Stopping++
		case StateSealed:
			stats.Sealed++
		case StateCorrupt:
			stats.Corrupt++
		}
		stats.Entries += run.Entries
		stats.Bytes += run.SizeBytes
	}
	return stats, nil
}

// VerifyReplay folds the log twice and compares the results, then checks
// the stored segments of remote against the local entries when given.
func (r *LogReader) VerifyReplay(ctx context.Context, logPath string, remote SegmentSource) (*ReplayReport, error) {
	var local []localEntry
	first, err := r.scan(ctx, logPath, func(entry datastore.LogEntry, rec *types.Record) {
		local = append(local, localEntry{offset: entry.Offset, end: entry.End(), seq: rec.Seq, uuid: rec.UUID})
	})
	if err != nil {
		return nil, err
	}
	second, err := r.scan(ctx, logPath, nil)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{
		LogPath:       logPath,
		Entries:       first.entries,
		LastSeq:       first.lastSeq,
		Sealed:        first.sealed,
		TrailingBytes: first.trailing,
		CorruptAt:     first.corruptAt,
		Problems:      first.problems,
		Deterministic: reflect.DeepEqual(first.agg.Snapshot(), second.agg.Snapshot()),
	}
	if !report.Deterministic {
		report.Problems = append(report.Problems, "replaying the log twice produced different state")
	}

	if remote != nil {
		check, err := compareRemote(ctx, remote, local)
		if err != nil {
			return nil, err
		}
		report.Remote = check
	}
	return report, nil
}

// DebugIPC decodes a captured client frame stream.
func (r *LogReader) DebugIPC(capturePath string, verbose bool) (*IPCDebugResponse, error) {
	f, err := os.Open(capturePath)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer iox.DiscardClose(f)
	return DecodeCapture(f, verbose), nil
}

// StatsMetrics reads the metrics block of a run report.
func (r *LogReader) StatsMetrics(reportPath string) (*MetricsSnapshot, error) {
	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return ParseReportMetrics(data)
}

var _ Reader = (*LogReader)(nil)
