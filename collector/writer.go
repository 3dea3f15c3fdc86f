package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWriter appends JSON lines to a single file. Appends are serialized so
// lines written by concurrent requests never interleave.
type FileWriter struct {
	mu       sync.Mutex
	filePath string
}

func NewFileWriter(filePath string) (*FileWriter, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return &FileWriter{
		filePath: filePath,
	}, nil
}

func (w *FileWriter) Path() string {
	return w.filePath
}

func (w *FileWriter) WriteJSON(data any) error {
	return w.WriteBatch([]any{data})
}

// WriteBatch appends one line per item with a single write, so the
// processor never observes half a batch followed by another request's lines.
func (w *FileWriter) WriteBatch(items []any) error {
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		// Encode terminates every value with a newline.
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to marshal data to JSON: %w", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", w.filePath, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write to file %s: %w", w.filePath, err)
	}
	return nil
}
