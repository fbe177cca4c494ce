package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/apiscope/apiscope/internal/event"
)

// File appends batches to a local log, one JSON envelope per line, for
// offline or disconnected operation. Each envelope carries the batch ID so a
// later importer can skip batches it has already seen; duplicate lines from
// redelivery therefore do not corrupt downstream state.
type File struct {
	mu   sync.Mutex
	file *os.File
	gz   *gzip.Writer
	enc  *json.Encoder
}

// NewFile opens (or creates) the append-only log at path. With compress set
// the log is written as a gzip stream, flushed after every batch.
func NewFile(path string, compress bool) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create transport log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open transport log %s: %w", path, err)
	}

	f := &File{file: file}
	if compress {
		f.gz = gzip.NewWriter(file)
		f.enc = json.NewEncoder(f.gz)
	} else {
		f.enc = json.NewEncoder(file)
	}
	return f, nil
}

// Deliver appends one batch envelope to the log.
func (f *File) Deliver(_ context.Context, batch event.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("file transport is closed")
	}
	if err := f.enc.Encode(batch); err != nil {
		return fmt.Errorf("append batch %s: %w", batch.ID, err)
	}
	if f.gz != nil {
		if err := f.gz.Flush(); err != nil {
			return fmt.Errorf("flush batch %s: %w", batch.ID, err)
		}
	}
	return nil
}

// Close finalizes the gzip stream if any and closes the log file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	var firstErr error
	if f.gz != nil {
		if err := f.gz.Close(); err != nil {
			firstErr = err
		}
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	f.file = nil
	return firstErr
}

// ReadBatches reads every batch envelope from a transport log written by File.
// It is used by offline importers and tests.
func ReadBatches(path string, compressed bool) ([]event.Batch, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transport log %s: %w", path, err)
	}
	defer file.Close()

	var scanner *bufio.Scanner
	if compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		scanner = bufio.NewScanner(gz)
	} else {
		scanner = bufio.NewScanner(file)
	}
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var batches []event.Batch
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var batch event.Batch
		if err := json.Unmarshal(line, &batch); err != nil {
			return batches, fmt.Errorf("decode batch envelope: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := scanner.Err(); err != nil {
		return batches, fmt.Errorf("read transport log %s: %w", path, err)
	}
	return batches, nil
}
