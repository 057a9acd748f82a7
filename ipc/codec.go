package ipc

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/trackd/types"
)

// recordEnvelope is the wire form of a Record. The payload is decoded
// in a second pass once its type is known.
type recordEnvelope struct {
	ContractVersion string             `msgpack:"contract_version"`
	Seq             int64              `msgpack:"seq"`
	UUID            string             `msgpack:"uuid,omitempty"`
	RunID           string             `msgpack:"run_id,omitempty"`
	Type            types.RecordType   `msgpack:"type"`
	Control         types.Control      `msgpack:"control"`
	Payload         msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// resultEnvelope is the wire form of a Result.
type resultEnvelope struct {
	ContractVersion string             `msgpack:"contract_version"`
	Seq             int64              `msgpack:"seq"`
	Type            types.ResponseType `msgpack:"type"`
	Control         types.Control      `msgpack:"control"`
	Response        msgpack.RawMessage `msgpack:"response,omitempty"`
}

// EncodeRecord encodes a Record to its msgpack wire form (unframed).
func EncodeRecord(rec *types.Record) ([]byte, error) {
	env := recordEnvelope{
		ContractVersion: types.ContractVersion,
		Seq:             rec.Seq,
		UUID:            rec.UUID,
		RunID:           rec.RunID,
		Type:            rec.Type(),
		Control:         rec.Control,
	}
	if rec.Payload != nil {
		raw, err := msgpack.Marshal(rec.Payload)
		if err != nil {
			return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode record payload", Err: err}
		}
		env.Payload = raw
	}

	b, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode record envelope", Err: err}
	}
	return b, nil
}

// RecordError reports a record whose envelope decoded but whose contents
// are unusable. Control is the decoded envelope control block, so the
// receiver can still answer a record that expects a response.
type RecordError struct {
	Seq     int64
	UUID    string
	RunID   string
	Control types.Control
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Seq, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// DecodeRecord decodes a msgpack wire payload into a Record.
// A contract major version other than ours, or an unknown record type, is
// an UnsupportedError; a payload that does not match its type is a
// UsageError. Both come wrapped in a *RecordError.
func DecodeRecord(payload []byte) (*types.Record, error) {
	var env recordEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode record envelope", Err: err}
	}
	fail := func(err error) error {
		return &RecordError{Seq: env.Seq, UUID: env.UUID, RunID: env.RunID, Control: env.Control, Err: err}
	}
	if err := checkContract(env.ContractVersion); err != nil {
		return nil, fail(err)
	}

	p, err := types.NewPayload(env.Type)
	if err != nil {
		return nil, fail(err)
	}
	if len(env.Payload) > 0 {
		if err := msgpack.Unmarshal(env.Payload, p); err != nil {
			return nil, fail(types.NewError(types.KindUsage, "decode", &FrameError{
				Kind: FrameErrorDecode,
				Msg:  fmt.Sprintf("failed to decode %s payload", env.Type),
				Err:  err,
			}))
		}
	}

	return &types.Record{
		Seq:     env.Seq,
		UUID:    env.UUID,
		RunID:   env.RunID,
		Control: env.Control,
		Payload: p,
	}, nil
}

// EncodeResult encodes a Result to its msgpack wire form (unframed).
func EncodeResult(res *types.Result) ([]byte, error) {
	env := resultEnvelope{
		ContractVersion: types.ContractVersion,
		Seq:             res.Seq,
		Type:            res.Type(),
		Control:         res.Control,
	}
	if res.Response != nil {
		raw, err := msgpack.Marshal(res.Response)
		if err != nil {
			return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode result body", Err: err}
		}
		env.Response = raw
	}

	b, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode result envelope", Err: err}
	}
	return b, nil
}

// DecodeResult decodes a msgpack wire payload into a Result.
func DecodeResult(payload []byte) (*types.Result, error) {
	var env resultEnvelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode result envelope", Err: err}
	}
	if err := checkContract(env.ContractVersion); err != nil {
		return nil, err
	}

	body, err := types.NewResponse(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Response) > 0 {
		if err := msgpack.Unmarshal(env.Response, body); err != nil {
			return nil, &FrameError{
				Kind: FrameErrorDecode,
				Msg:  fmt.Sprintf("failed to decode %s result", env.Type),
				Err:  err,
			}
		}
	}

	return &types.Result{Seq: env.Seq, Control: env.Control, Response: body}, nil
}

// RecordWriter frames and writes Records, as a client does.
type RecordWriter struct {
	enc *FrameEncoder
}

// NewRecordWriter wraps an encoder.
func NewRecordWriter(enc *FrameEncoder) *RecordWriter {
	return &RecordWriter{enc: enc}
}

// Write encodes and frames rec.
func (w *RecordWriter) Write(rec *types.Record) error {
	b, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return w.enc.WriteFrame(b)
}

// ResultWriter frames and writes Results back to the client.
type ResultWriter struct {
	enc *FrameEncoder
}

// NewResultWriter wraps an encoder.
func NewResultWriter(enc *FrameEncoder) *ResultWriter {
	return &ResultWriter{enc: enc}
}

// Write encodes and frames res.
func (w *ResultWriter) Write(res *types.Result) error {
	b, err := EncodeResult(res)
	if err != nil {
		return err
	}
	return w.enc.WriteFrame(b)
}

func checkContract(v string) error {
	if v == "" || major(v) == major(types.ContractVersion) {
		return nil
	}
	return types.NewError(types.KindUnsupported, "decode",
		fmt.Errorf("contract version %s incompatible with %s", v, types.ContractVersion))
}

func major(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
