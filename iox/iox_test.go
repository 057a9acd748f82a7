package iox

import (
	"bytes"
	"errors"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("loss=0.25 step=10\n"), 200)

	compressed := Compress(data)
	if len(compressed) >= len(data) {
		t.Errorf("compressed size = %d, want < %d", len(compressed), len(data))
	}

	got, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip changed the data")
	}
}

func TestDecompressGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not a zstd frame")); err == nil {
		t.Error("Decompress(garbage) = nil error, want failure")
	}
}
