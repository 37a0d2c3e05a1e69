package sink

import (
	"encoding/json"
	"os"
	"sync"

	"droneops-edge/internal/telemetry"
)

// FileWriter appends telemetry messages to a JSONL archive.
type FileWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileWriter opens path for appending, creating it if needed.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWriter{file: f, enc: json.NewEncoder(f)}, nil
}

// Write logs a single message.
func (f *FileWriter) Write(msg telemetry.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(msg)
}

// WriteBatch logs multiple messages.
func (f *FileWriter) WriteBatch(msgs []telemetry.Message) error {
	for _, m := range msgs {
		if err := f.Write(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the archive file.
func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
