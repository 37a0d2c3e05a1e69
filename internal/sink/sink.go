// Package sink holds secondary destinations for relayed telemetry: a local
// JSONL archive, stdout, and a GreptimeDB mirror.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"droneops-edge/internal/telemetry"
)

// Writer receives telemetry messages.
type Writer interface {
	Write(msg telemetry.Message) error
}

type batchWriter interface {
	WriteBatch(msgs []telemetry.Message) error
}

// MultiWriter fans messages out to several writers. Every writer is tried;
// the errors are joined.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a new MultiWriter.
func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

// Write sends msg to all writers.
func (mw *MultiWriter) Write(msg telemetry.Message) error {
	var errs []error
	for _, w := range mw.writers {
		if err := w.Write(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteBatch sends msgs to all writers, using batch writes when supported.
func (mw *MultiWriter) WriteBatch(msgs []telemetry.Message) error {
	var errs []error
	for _, w := range mw.writers {
		if bw, ok := w.(batchWriter); ok {
			if err := bw.WriteBatch(msgs); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, m := range msgs {
			if err := w.Write(m); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

// JSONStdoutWriter prints messages as JSON lines.
type JSONStdoutWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONStdoutWriter creates a JSONStdoutWriter writing to os.Stdout.
func NewJSONStdoutWriter() *JSONStdoutWriter {
	return &JSONStdoutWriter{out: os.Stdout}
}

// Write outputs msg in the wire payload format.
func (w *JSONStdoutWriter) Write(msg telemetry.Message) error {
	data, err := telemetry.EncodePayload(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

// Discard drops every message.
type Discard struct{}

func (Discard) Write(telemetry.Message) error { return nil }
