package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"droneops-edge/internal/config"
	"droneops-edge/internal/telemetry"
)

// greptimeClient is the subset of the ingester client the writer uses.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeDBWriter mirrors telemetry into a GreptimeDB table, one row per
// message with the decoded fields stored as a JSON string.
type GreptimeDBWriter struct {
	client  greptimeClient
	table   string
	edge    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGreptimeDBWriter connects to the configured GreptimeDB endpoint.
func NewGreptimeDBWriter(cfg config.Greptime, edge string, logger *slog.Logger) (*GreptimeDBWriter, error) {
	gcfg := greptime.NewConfig(cfg.Endpoint).WithDatabase(cfg.Database).WithPort(cfg.Port)
	client, err := greptime.NewClient(gcfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GreptimeDBWriter{
		client:  client,
		table:   cfg.Table,
		edge:    edge,
		timeout: 5 * time.Second,
		logger:  logger,
	}, nil
}

// Write inserts a single message.
func (w *GreptimeDBWriter) Write(msg telemetry.Message) error {
	return w.WriteBatch([]telemetry.Message{msg})
}

// WriteBatch inserts multiple messages in one request.
func (w *GreptimeDBWriter) WriteBatch(msgs []telemetry.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tbl, err := w.build(msgs)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if _, err := w.client.Write(ctx, tbl); err != nil {
		w.logger.Warn("greptime write failed", "rows", len(msgs), "err", err)
		return err
	}
	w.logger.Debug("greptime write", "rows", len(msgs))
	return nil
}

func (w *GreptimeDBWriter) build(msgs []telemetry.Message) (*table.Table, error) {
	tbl, err := table.New(w.table)
	if err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("drone_id", types.STRING); err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("message_type", types.STRING); err != nil {
		return nil, err
	}
	if err := tbl.AddFieldColumn("fields", types.STRING); err != nil {
		return nil, err
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		fields, err := json.Marshal(m.Fields)
		if err != nil {
			return nil, err
		}
		if err := tbl.AddRow(w.edge, m.Type, string(fields), m.CapturedAt); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}
