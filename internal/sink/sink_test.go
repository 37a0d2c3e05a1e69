package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"

	"droneops-edge/internal/telemetry"
)

func sample(typ string, sec int64) telemetry.Message {
	return telemetry.Message{
		Type:       typ,
		Fields:     map[string]any{"roll": 0.5, "seq": float64(sec)},
		CapturedAt: time.Unix(sec, 0).UTC(),
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type collectWriter struct{ msgs []telemetry.Message }

func (c *collectWriter) Write(m telemetry.Message) error {
	c.msgs = append(c.msgs, m)
	return nil
}

type failWriter struct{}

func (failWriter) Write(telemetry.Message) error { return errors.New("nope") }

func TestFileWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.jsonl")
	for i := 0; i < 2; i++ {
		fw, err := NewFileWriter(path)
		if err != nil {
			t.Fatalf("NewFileWriter: %v", err)
		}
		if err := fw.WriteBatch([]telemetry.Message{sample("ATTITUDE", int64(i))}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := fw.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		var m telemetry.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode line %d: %v", lines, err)
		}
		if m.Type != "ATTITUDE" {
			t.Fatalf("unexpected type %q", m.Type)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 archived lines, got %d", lines)
	}
}

func TestMultiWriterTriesEveryWriter(t *testing.T) {
	a, b := &collectWriter{}, &collectWriter{}
	mw := NewMultiWriter(a, failWriter{}, b)
	err := mw.Write(sample("HEARTBEAT", 1))
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(a.msgs) != 1 || len(b.msgs) != 1 {
		t.Fatalf("writers after a failing one must still receive the message")
	}
	if err := NewMultiWriter(a, b).WriteBatch([]telemetry.Message{sample("X", 1), sample("Y", 2)}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if len(a.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(a.msgs))
	}
}

func TestJSONStdoutWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &JSONStdoutWriter{out: &buf}
	if err := w.Write(sample("ATTITUDE", 3)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := telemetry.DecodePayload([]byte(strings.TrimSpace(buf.String())))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "ATTITUDE" || !got.CapturedAt.Equal(time.Unix(3, 0)) {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestReplayLog(t *testing.T) {
	msgs := []telemetry.Message{sample("ATTITUDE", 0), sample("SYS_STATUS", 1)}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	cw := &collectWriter{}
	n, err := ReplayLog(&buf, cw, 0)
	if err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}
	if n != len(msgs) || len(cw.msgs) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(cw.msgs))
	}
	for i, m := range msgs {
		if cw.msgs[i].Type != m.Type {
			t.Fatalf("message %d mismatch: %+v vs %+v", i, cw.msgs[i], m)
		}
	}
}

func TestReplayLogStopsOnGarbage(t *testing.T) {
	cw := &collectWriter{}
	n, err := ReplayLog(strings.NewReader(`{"type":"A"}`+"\n{oops"), cw, 0)
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if n != 1 {
		t.Fatalf("expected 1 message before the error, got %d", n)
	}
}

type mockGreptimeClient struct {
	table *table.Table
	err   error
}

func (m *mockGreptimeClient) Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error) {
	if len(tables) > 0 {
		m.table = tables[0]
	}
	return &gpb.GreptimeResponse{}, m.err
}

func TestGreptimeWriterRows(t *testing.T) {
	m := &mockGreptimeClient{}
	w := &GreptimeDBWriter{client: m, table: "drone_telemetry", edge: "E1", timeout: time.Second, logger: discardLogger()}

	if err := w.WriteBatch([]telemetry.Message{sample("ATTITUDE", 1), sample("VIBRATION", 2)}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if m.table == nil {
		t.Fatalf("expected table to be captured")
	}
	rows := m.table.GetRows()
	if len(rows.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows.Rows))
	}
	if got := rows.Rows[0].Values[0].GetStringValue(); got != "E1" {
		t.Fatalf("drone_id = %s, want E1", got)
	}
	if got := rows.Rows[1].Values[1].GetStringValue(); got != "VIBRATION" {
		t.Fatalf("message_type = %s, want VIBRATION", got)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(rows.Rows[0].Values[2].GetStringValue()), &fields); err != nil {
		t.Fatalf("fields column is not JSON: %v", err)
	}
	if fields["roll"] != 0.5 {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestGreptimeWriterError(t *testing.T) {
	m := &mockGreptimeClient{err: errors.New("unavailable")}
	w := &GreptimeDBWriter{client: m, table: "t", edge: "E1", timeout: time.Second, logger: discardLogger()}
	if err := w.Write(sample("ATTITUDE", 1)); err == nil {
		t.Fatalf("expected write error")
	}
	if err := w.WriteBatch(nil); err != nil {
		t.Fatalf("empty batch must be a no-op: %v", err)
	}
}
