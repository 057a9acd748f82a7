package reader

import (
	"context"
	"fmt"

	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/lode"
	"github.com/pithecene-io/trackd/types"
)

// SegmentSource lists and reads the stored segments of one run.
// lode.LodeClient implements it.
type SegmentSource interface {
	Segments(ctx context.Context) ([]lode.Segment, error)
	ReadSegment(ctx context.Context, seg lode.Segment) ([]*types.Record, error)
}

type localEntry struct {
	offset int64
	end    int64
	seq    int64
	uuid   string
}

// compareRemote checks that the stored segments reproduce the local log.
// SyncedTo is the end of the gap-free prefix of stored segments.
func compareRemote(ctx context.Context, src SegmentSource, local []localEntry) (*RemoteCheck, error) {
	segs, err := src.Segments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	index := make(map[int64]int, len(local))
	for i, e := range local {
		index[e.offset] = i
	}

	check := &RemoteCheck{Segments: len(segs), Available: true}
	next := int64(datastore.HeaderSize)
	contiguous := true
	for _, seg := range segs {
		if seg.Offset > next {
			check.Gaps = append(check.Gaps, fmt.Sprintf("[%d,%d)", next, seg.Offset))
			contiguous = false
		}
		if seg.End > next {
			next = seg.End
		}
		if contiguous {
			check.SyncedTo = next
		}

		recs, err := src.ReadSegment(ctx, seg)
		if err != nil {
			check.Mismatch = append(check.Mismatch, fmt.Sprintf("%s: %v", seg.Path, err))
			continue
		}
		i, ok := index[seg.Offset]
		if !ok {
			check.Mismatch = append(check.Mismatch, fmt.Sprintf("%s: offset %d is not a local entry", seg.Path, seg.Offset))
			continue
		}
		for j, rec := range recs {
			k := i + j
			if k >= len(local) {
				check.Mismatch = append(check.Mismatch, fmt.Sprintf("%s: seq %d is past the local log", seg.Path, rec.Seq))
				break
			}
			if local[k].seq != rec.Seq || local[k].uuid != rec.UUID {
				check.Mismatch = append(check.Mismatch, fmt.Sprintf("%s: offset %d holds seq %d, stored seq %d", seg.Path, local[k].offset, local[k].seq, rec.Seq))
				break
			}
			check.Records++
		}
		if last := i + len(recs) - 1; last < len(local) && len(recs) > 0 && local[last].end != seg.End {
			check.Mismatch = append(check.Mismatch, fmt.Sprintf("%s: ends at %d, local entry ends at %d", seg.Path, seg.End, local[last].end))
		}
	}

	for _, e := range local {
		if e.offset >= check.SyncedTo {
			check.Unsynced++
		}
	}
	return check, nil
}
