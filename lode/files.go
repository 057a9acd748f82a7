package lode

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
)

// FileWriter stores uploaded run files under the run's files/ prefix,
// outside the dataset's snapshot machinery.
type FileWriter interface {
	// PutFile writes a file. name is slash-separated, relative, and must
	// not escape the files/ prefix.
	PutFile(ctx context.Context, name string, r io.Reader) error
}

var _ FileWriter = (*LodeClient)(nil)

// PutFile implements FileWriter.
func (c *LodeClient) PutFile(ctx context.Context, name string, r io.Reader) error {
	clean, err := cleanFileName(name)
	if err != nil {
		return err
	}

	store, err := c.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, c.config.Dataset)
	}

	p := c.filePath(clean)
	if err := store.Put(ctx, p, r); err != nil {
		return WrapWriteError(err, p)
	}
	return nil
}

// filePath computes the store path of an uploaded file.
// Format: datasets/<dataset>/partitions/entity=<e>/project=<p>/day=<d>/run_id=<r>/files/<name>
func (c *LodeClient) filePath(name string) string {
	return c.runPrefix() + "/files/" + name
}

func cleanFileName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("file name %q escapes the run directory", name)
	}
	return clean, nil
}

// StubFileWriter records PutFile calls for testing.
type StubFileWriter struct {
	mu    sync.Mutex
	Files map[string][]byte
	Puts  int
	// Err, if non-nil, is returned by PutFile.
	Err error
}

// NewStubFileWriter creates a new stub file writer.
func NewStubFileWriter() *StubFileWriter {
	return &StubFileWriter{Files: make(map[string][]byte)}
}

// PutFile implements FileWriter by recording the call.
func (w *StubFileWriter) PutFile(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.Puts++
	w.Files[name] = data
	return nil
}

// Get returns the stored bytes of name.
func (w *StubFileWriter) Get(name string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.Files[name]
	return data, ok
}

var _ FileWriter = (*StubFileWriter)(nil)
