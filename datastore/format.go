// Package datastore implements the per-run persistent log: a single-writer,
// append-only file of checksummed entries addressed by byte offset.
//
// File layout:
//
//	header:  "TRKD" | version uint16 | reserved uint16
//	entry:   length uint32 | crc32c uint32 | payload (msgpack Record)
//	sealed:  length 0      | sealChecksum
//
// All integers are big-endian. An entry's offset is the position of its
// length field. A trailing entry whose bytes are incomplete has not been
// committed; one whose checksum does not match is corrupt.
package datastore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/pithecene-io/trackd/ipc"
	"github.com/pithecene-io/trackd/types"
)

const (
	headerMagic = "TRKD"
	// FormatVersion is the on-disk format version.
	FormatVersion uint16 = 1
	// HeaderSize is the size of the file header; the first entry starts here.
	HeaderSize = 8
	// EntryHeaderSize is the size of an entry's length and checksum fields.
	EntryHeaderSize = 8

	// sealChecksum marks the terminal entry. A real entry never has length 0.
	sealChecksum uint32 = 0x5EA1ED00
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// LogEntry is one persisted record.
type LogEntry struct {
	Offset   int64
	Length   uint32
	Checksum uint32
	Data     []byte
}

// End returns the offset of the entry that follows e.
func (e LogEntry) End() int64 {
	return e.Offset + EntryHeaderSize + int64(e.Length)
}

// Record decodes the entry's payload.
func (e LogEntry) Record() (*types.Record, error) {
	return ipc.DecodeRecord(e.Data)
}

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func encodeHeader() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, headerMagic)
	binary.BigEndian.PutUint16(buf[4:6], FormatVersion)
	return buf
}

// readHeader validates the file header at offset 0.
func readHeader(r io.ReaderAt) error {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return types.CorruptionError(0, fmt.Errorf("read header: %w", err))
	}
	if string(buf[:4]) != headerMagic {
		return types.CorruptionError(0, fmt.Errorf("bad magic %q", buf[:4]))
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != FormatVersion {
		return types.NewError(types.KindUnsupported, "open", fmt.Errorf("log format version %d, want %d", v, FormatVersion))
	}
	return nil
}

func encodeEntry(data []byte) []byte {
	buf := make([]byte, EntryHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[4:8], checksum(data))
	copy(buf[EntryHeaderSize:], data)
	return buf
}

func encodeSeal() []byte {
	buf := make([]byte, EntryHeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], sealChecksum)
	return buf
}

// entryStatus is the outcome of probing the bytes at an offset.
type entryStatus int

const (
	entryOK entryStatus = iota
	// entryIncomplete means the bytes are not all there yet.
	entryIncomplete
	// entryCorrupt means the bytes are there but fail validation.
	entryCorrupt
	// entrySealed is the terminal entry.
	entrySealed
)

// probeEntry reads the entry at off. It never returns a corrupt entry.
func probeEntry(r io.ReaderAt, off int64) (LogEntry, entryStatus, error) {
	var hdr [EntryHeaderSize]byte
	n, err := r.ReadAt(hdr[:], off)
	if n < EntryHeaderSize {
		if err != nil && err != io.EOF {
			return LogEntry{}, entryIncomplete, err
		}
		return LogEntry{}, entryIncomplete, nil
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	sum := binary.BigEndian.Uint32(hdr[4:8])
	if length == 0 {
		if sum == sealChecksum {
			return LogEntry{Offset: off, Checksum: sum}, entrySealed, nil
		}
		return LogEntry{}, entryCorrupt, fmt.Errorf("zero-length entry with checksum %#x", sum)
	}
	if length > ipc.MaxPayloadSize {
		return LogEntry{}, entryCorrupt, fmt.Errorf("entry length %d exceeds maximum %d", length, ipc.MaxPayloadSize)
	}

	data := make([]byte, length)
	n, err = r.ReadAt(data, off+EntryHeaderSize)
	if n < int(length) {
		if err != nil && err != io.EOF {
			return LogEntry{}, entryIncomplete, err
		}
		return LogEntry{}, entryIncomplete, nil
	}
	if got := checksum(data); got != sum {
		return LogEntry{}, entryCorrupt, fmt.Errorf("checksum %#x, want %#x", got, sum)
	}

	return LogEntry{Offset: off, Length: length, Checksum: sum, Data: data}, entryOK, nil
}
