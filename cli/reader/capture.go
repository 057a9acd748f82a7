package reader

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/types"
)

// DecodeCapture walks a captured client frame stream. Undecodable payloads
// are counted and skipped; a broken frame ends the walk.
func DecodeCapture(r io.Reader, verbose bool) *IPCDebugResponse {
	resp := &IPCDebugResponse{
		Transport:     "capture",
		Encoding:      "msgpack",
		RecordsByType: make(map[string]int64),
	}
	fail := func(err error) {
		resp.Errors++
		msg := err.Error()
		resp.LastError = &msg
	}

	dec := ipc.NewFrameDecoder(r)
	var off int64
	for {
		payload, err := dec.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(fmt.Errorf("frame at byte %d: %w", off, err))
			break
		}
		start := off
		off += ipc.LengthPrefixSize + int64(len(payload))
		resp.Frames++
		resp.Bytes = off

		rec, err := ipc.DecodeRecord(payload)
		if err != nil {
			fail(fmt.Errorf("frame at byte %d: %w", start, err))
			continue
		}
		resp.RecordsByType[string(rec.Type())]++
		if verbose {
			resp.Records = append(resp.Records, recordItem(start, off, rec))
		}
	}
	return resp
}

// Describe renders the payload of rec as one short line.
func Describe(rec *types.Record) string {
	switch p := rec.Payload.(type) {
	case *types.HistoryUpdate:
		s := "keys=" + itemKeys(p.Items)
		if p.Step != nil {
			s = fmt.Sprintf("step=%d %s", *p.Step, s)
		}
		if p.ShouldFlush() {
			s += " flush"
		}
		return s
	case *types.SummaryUpdate:
		return opsLine(p.Ops)
	case *types.ConfigUpdate:
		return opsLine(p.Ops)
	case *types.MetricDefinition:
		name := p.Name
		if name == "" {
			name = p.GlobName
		}
		if p.StepMetric != "" {
			return fmt.Sprintf("%s step=%s", name, p.StepMetric)
		}
		return name
	case *types.FileDeclaration:
		return fmt.Sprintf("files=%d", len(p.Files))
	case *types.SystemStatsSample:
		return fmt.Sprintf("items=%d", len(p.Items))
	case *types.RunStart:
		return p.Run.RunID
	case *types.RunExit:
		return fmt.Sprintf("exit_code=%d runtime=%.1fs", p.ExitCode, p.RuntimeSeconds)
	case *types.Request:
		if p.Kind == types.RequestDefer {
			return fmt.Sprintf("%s %s", p.Kind, p.State)
		}
		return string(p.Kind)
	default:
		return ""
	}
}

func itemKeys(items []types.Item) string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, strings.Join(it.Path(), "."))
	}
	return strings.Join(keys, ",")
}

func opsLine(ops []types.KeyOp) string {
	var set, removed int
	for _, op := range ops {
		if op.Op == types.OpRemove {
			removed++
		} else {
			set++
		}
	}
	return fmt.Sprintf("set=%d remove=%d", set, removed)
}
