package lode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pithecene-io/trackd/iox"
	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/types"
)

const segmentSuffix = ".trkd.zst"

// Segment is one stored batch of log entries.
type Segment struct {
	// Path is the store path of the segment.
	Path string
	// Offset and End bound the log range the segment covers.
	Offset int64
	End    int64
}

// segmentPath names a segment by its log range. Offsets are zero-padded
// so that listing order is log order.
func (c *LodeClient) segmentPath(offset, end int64) string {
	return fmt.Sprintf("%s/segments/%020d-%020d%s", c.runPrefix(), offset, end, segmentSuffix)
}

func parseSegmentPath(path string) (Segment, bool) {
	i := strings.LastIndexByte(path, '/')
	name := path[i+1:]
	if !strings.HasSuffix(name, segmentSuffix) {
		return Segment{}, false
	}
	var seg Segment
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, segmentSuffix), "%d-%d", &seg.Offset, &seg.End); err != nil {
		return Segment{}, false
	}
	seg.Path = path
	return seg, true
}

func entryData(e policy.Entry) ([]byte, error) {
	if len(e.Data) > 0 {
		return e.Data, nil
	}
	if e.Record == nil {
		return nil, types.UsageError("sync", errors.New("entry has neither data nor record"))
	}
	return ipc.EncodeRecord(e.Record)
}

func compressSegment(framed []byte) []byte {
	return iox.Compress(framed)
}

// Segments lists the run's stored segments in log order.
func (c *LodeClient) Segments(ctx context.Context) ([]Segment, error) {
	store, err := c.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, c.config.Dataset)
	}
	paths, err := store.List(ctx, c.runPrefix()+"/segments/")
	if err != nil {
		return nil, WrapReadError(err, c.runPrefix())
	}

	segs := make([]Segment, 0, len(paths))
	for _, p := range paths {
		if seg, ok := parseSegmentPath(p); ok {
			segs = append(segs, seg)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Offset < segs[j].Offset })
	return segs, nil
}

// ReadSegment decodes the records of a stored segment in log order.
func (c *LodeClient) ReadSegment(ctx context.Context, seg Segment) ([]*types.Record, error) {
	store, err := c.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, c.config.Dataset)
	}
	rc, err := store.Get(ctx, seg.Path)
	if err != nil {
		return nil, WrapReadError(err, seg.Path)
	}
	defer iox.DiscardClose(rc)

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, seg.Path)
	}
	framed, err := iox.Decompress(compressed)
	if err != nil {
		return nil, types.CorruptionError(seg.Offset, err)
	}

	var recs []*types.Record
	dec := ipc.NewFrameDecoder(bytes.NewReader(framed))
	for {
		payload, err := dec.ReadFrame()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, types.CorruptionError(seg.Offset, err)
		}
		rec, err := ipc.DecodeRecord(payload)
		if err != nil {
			return nil, types.CorruptionError(seg.Offset, err)
		}
		recs = append(recs, rec)
	}
}
