package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFilename is the name of the records file inside the sink directory.
const DefaultFilename = "records.jsonl"

// File writes records to a JSONL file. It is safe for concurrent use.
type File struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewFile opens dir/records.jsonl for append, creating dir if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	path := filepath.Join(dir, DefaultFilename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open records file: %w", err)
	}
	return &File{path: path, file: file, writer: bufio.NewWriter(file)}, nil
}

// Write appends one JSON line per record and flushes.
func (s *File) Write(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := s.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush records: %w", err)
	}
	return nil
}

// Close flushes any remaining data and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to flush before close: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close records file: %w", err)
	}
	return nil
}

// Path returns the path to the records file.
func (s *File) Path() string { return s.path }

// ReadFile loads every record from a JSONL file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
