package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/types"
)

// IngestionError classifies errors that end a stream.
type IngestionError struct {
	// Kind indicates where the stream broke.
	Kind IngestionErrorKind
	// Err is the underlying error.
	Err error
}

// IngestionErrorKind classifies ingestion errors.
type IngestionErrorKind int

const (
	// IngestionErrorStream indicates broken client framing.
	IngestionErrorStream IngestionErrorKind = iota
	// IngestionErrorLog indicates the persistent log failed to take a record.
	IngestionErrorLog
	// IngestionErrorCanceled indicates context cancellation.
	IngestionErrorCanceled
)

func (e *IngestionError) Error() string {
	return e.Err.Error()
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// IsLogError returns true if the persistent log failed.
func IsLogError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorLog
	}
	return false
}

// IsCanceledError returns true if the error is due to context cancellation.
func IsCanceledError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorCanceled
	}
	return false
}

// IsStreamError returns true if the error is a stream/frame error.
func IsStreamError(err error) bool {
	var ingErr *IngestionError
	if errors.As(err, &ingErr) {
		return ingErr.Kind == IngestionErrorStream
	}
	return false
}

// inbound is a record on its way into the ingestion loop.
type inbound struct {
	rec *types.Record
	// fromClient records are answered on the client connection.
	fromClient bool
	// class is the flow-control class acquired for the record, if any.
	class string
	// done receives the outcome of an Emit; nil for client records.
	done chan error
	// err is set when the record is rejected.
	err error
	// decodeErr is set for a client record whose envelope decoded but
	// whose contents did not; it is answered, never persisted.
	decodeErr error
}

// readFrames decodes client frames until EOF. Flow-controlled records
// are held here, before the ingestion loop, so backpressure reaches the
// producer without stalling core-generated records.
//
// Returns:
//   - nil: stream ended cleanly (EOF)
//   - *IngestionError with Kind=IngestionErrorStream: framing is broken
//   - *IngestionError with Kind=IngestionErrorCanceled: context canceled
func (s *Stream) readFrames(ctx context.Context, r io.Reader, out chan<- *inbound) error {
	defer close(out)

	dec := ipc.NewFrameDecoder(r)
	for {
		payload, err := dec.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Error("frame error", map[string]any{"error": err.Error()})
			s.collector.IncIPCDecodeErrors()
			return &IngestionError{Kind: IngestionErrorStream, Err: fmt.Errorf("frame error: %w", err)}
		}

		rec, err := ipc.DecodeRecord(payload)
		if err != nil {
			// The framing is intact; only this record is lost.
			s.collector.IncIPCDecodeErrors()
			s.logger.Error("record decode error", map[string]any{"error": err.Error()})

			var recErr *ipc.RecordError
			if !errors.As(err, &recErr) || !recErr.Control.ExpectsResponse {
				continue
			}
			// Answer in order with the records around it.
			in := &inbound{
				rec: &types.Record{
					Seq:     recErr.Seq,
					UUID:    recErr.UUID,
					RunID:   recErr.RunID,
					Control: recErr.Control,
				},
				fromClient: true,
				decodeErr:  recErr.Err,
			}
			select {
			case out <- in:
			case <-ctx.Done():
				return &IngestionError{Kind: IngestionErrorCanceled, Err: ctx.Err()}
			}
			continue
		}

		in := &inbound{rec: rec, fromClient: true}
		if rec.Control.RequiresFlowControl {
			class := string(rec.Type())
			waited, err := s.flow.Acquire(ctx, class)
			if waited {
				s.collector.IncFlowControlWait()
			}
			if err != nil {
				return &IngestionError{Kind: IngestionErrorCanceled, Err: err}
			}
			in.class = class
		}

		select {
		case out <- in:
		case <-ctx.Done():
			s.flow.Release(in.class)
			return &IngestionError{Kind: IngestionErrorCanceled, Err: ctx.Err()}
		}
	}
}

// ingest is the single owner of the log and the aggregator. It runs until
// the client stream ended and the shutdown sequence finished.
func (s *Stream) ingest(ctx context.Context, frames <-chan *inbound) error {
	defer close(s.stopCh)

	finished := s.finished
	for {
		select {
		case <-ctx.Done():
			return &IngestionError{Kind: IngestionErrorCanceled, Err: ctx.Err()}

		case in, ok := <-frames:
			if !ok {
				frames = nil
				if finished == nil {
					return nil
				}
				s.RequestShutdown()
				continue
			}
			if err := s.handle(ctx, in); err != nil {
				return err
			}

		case in := <-s.internal:
			err := s.handle(ctx, in)
			if err != nil {
				in.done <- err
				return err
			}
			in.done <- in.err

		case <-finished:
			finished = nil
			if frames == nil {
				return nil
			}
		}
	}
}

// handle runs one record through dedup, persistence and the fold, then
// answers it. Only a failing log ends the stream; every other problem is
// reported back on the record's result.
func (s *Stream) handle(ctx context.Context, in *inbound) error {
	rec := in.rec
	if in.decodeErr != nil {
		s.reject(ctx, in, in.decodeErr)
		return nil
	}
	s.collector.IncRecordReceived(string(rec.Type()))
	if rec.RunID == "" && !in.fromClient {
		rec.RunID = s.agg.RunID()
	}

	if rec.UUID != "" && s.agg.Seen(rec.UUID) {
		s.collector.IncRecordDuplicate()
		s.flow.Release(in.class)
		s.reply(ctx, in, &types.Ack{Offset: -1}, 0)
		return nil
	}

	if in.fromClient {
		if rec.Seq <= s.lastClientSeq {
			s.reject(ctx, in, types.UsageError("ingest", fmt.Errorf("seq %d is not greater than previous seq %d", rec.Seq, s.lastClientSeq)))
			return nil
		}
		s.lastClientSeq = rec.Seq
	}

	if req, ok := rec.Payload.(*types.Request); ok && !req.Kind.IsPersisted() {
		s.flow.Release(in.class)
		if err := rec.Control.Validate(); err != nil {
			s.reject(ctx, in, types.UsageError("ingest", err))
			return nil
		}
		resp, err := s.answer(req)
		if err != nil {
			s.reject(ctx, in, err)
			return nil
		}
		s.collector.IncRecordLocal()
		s.reply(ctx, in, resp, 0)
		return nil
	}

	if err := s.agg.Check(rec); err != nil {
		s.reject(ctx, in, err)
		return nil
	}

	// The log's sequence is owned here; client sequence numbers are only
	// checked for order and echoed back on results.
	stored := *rec
	stored.Seq = s.agg.LastSeq() + 1

	offset, end := int64(-1), int64(0)
	if !rec.Control.IsLocal {
		off, err := s.log.Append(&stored)
		if err != nil {
			if types.IsKind(err, types.KindIO) {
				s.flow.Release(in.class)
				s.logger.Error("log append failed", map[string]any{
					"seq":   stored.Seq,
					"type":  string(stored.Type()),
					"error": err.Error(),
				})
				in.err = err
				s.reply(ctx, in, errorResponse(err), 0)
				return &IngestionError{Kind: IngestionErrorLog, Err: err}
			}
			s.reject(ctx, in, err)
			return nil
		}
		offset, end = off, s.log.Size()
	}

	if _, err := s.agg.Apply(&stored); err != nil {
		if offset >= 0 {
			// The record is durable but the fold diverged from it.
			s.flow.Release(in.class)
			return &IngestionError{Kind: IngestionErrorLog, Err: err}
		}
		s.reject(ctx, in, err)
		return nil
	}

	if offset >= 0 {
		s.collector.IncRecordPersisted()
		if in.class != "" {
			s.syncer.track(end, in.class)
		}
	} else {
		s.collector.IncRecordLocal()
		s.flow.Release(in.class)
	}

	switch p := stored.Payload.(type) {
	case *types.FileDeclaration:
		if s.pusher != nil {
			s.pusher.Declare(p)
		}
	case *types.RunStart:
		s.collector.SetRunID(p.Run.RunID)
		s.logger.Info("run started", map[string]any{
			"run_id":  p.Run.RunID,
			"project": p.Run.Project,
			"entity":  p.Run.Entity,
			"resumed": p.Run.Resume != nil,
		})
	case *types.RunExit:
		s.logger.Info("run exited", map[string]any{
			"exit_code":       p.ExitCode,
			"runtime_seconds": p.RuntimeSeconds,
		})
	}

	s.reply(ctx, in, &types.Ack{Offset: offset}, end)
	return nil
}

// answer handles the request kinds that are never persisted.
func (s *Stream) answer(req *types.Request) (types.Response, error) {
	switch req.Kind {
	case types.RequestGetSummary:
		return &types.SummaryResponse{Items: s.agg.SummaryItems()}, nil
	case types.RequestSampledHistory:
		return &types.SampledHistoryResponse{Items: s.agg.SampledHistory()}, nil
	case types.RequestInternalMessages:
		return &types.InternalMessagesResponse{Warnings: s.agg.DrainWarnings()}, nil
	case types.RequestStatus:
		return &types.StatusResponse{
			RunID:       s.agg.RunID(),
			LastSeq:     s.agg.LastSeq(),
			HistoryStep: s.agg.HistoryStep(),
			DeferState:  s.agg.DeferState(),
		}, nil
	case types.RequestPollExit:
		return s.pollExit(), nil
	case types.RequestKeepalive:
		return &types.Ack{Offset: -1}, nil
	case types.RequestCancel:
		if req.CancelSlot == "" {
			return nil, types.UsageError("cancel", errors.New("cancel without a slot"))
		}
		if err := s.mailbox.Cancel(req.CancelSlot); err != nil {
			return nil, err
		}
		return &types.Ack{Offset: -1}, nil
	case types.RequestShutdown:
		s.RequestShutdown()
		return &types.Ack{Offset: -1}, nil
	default:
		return nil, types.NewError(types.KindUnsupported, "request", fmt.Errorf("unknown request kind %q", req.Kind))
	}
}

func (s *Stream) pollExit() *types.PollExitResponse {
	resp := &types.PollExitResponse{
		ExitCode:   s.agg.ExitCode(),
		Operations: s.sched.Stats(),
	}
	select {
	case <-s.finished:
		resp.Done = true
	default:
	}
	if s.pusher != nil {
		resp.FilePusher = s.pusher.Stats()
	}
	return resp
}

// reject counts a refused record and answers it with the error.
func (s *Stream) reject(ctx context.Context, in *inbound, err error) {
	s.collector.IncRecordRejected()
	s.flow.Release(in.class)
	in.err = err
	s.logger.Warn("record rejected", map[string]any{
		"seq":   in.rec.Seq,
		"type":  string(in.rec.Type()),
		"error": err.Error(),
	})
	s.reply(ctx, in, errorResponse(err), 0)
}

func (s *Stream) reply(ctx context.Context, in *inbound, resp types.Response, end int64) {
	if !in.rec.Control.ExpectsResponse {
		return
	}
	ctl := in.rec.Control
	if end > 0 {
		ctl.EndOffset = end
	}
	s.route(ctx, &types.Result{Seq: in.rec.Seq, Control: ctl, Response: resp}, in.fromClient)
}

func errorResponse(err error) *types.ErrorResponse {
	return &types.ErrorResponse{Kind: types.KindOf(err), Message: err.Error()}
}
