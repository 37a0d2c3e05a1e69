package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"droneops-edge/internal/outbox"
)

var outboxLimit int

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect or clear the telemetry outbox",
}

func withOutbox(fn func(cmd *cobra.Command, box *outbox.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		box, err := outbox.Open(cfg.Outbox.Path, outbox.WithLogger(logger))
		if err != nil {
			return err
		}
		defer box.Close()
		return fn(cmd, box)
	}
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the number of buffered messages",
	RunE: withOutbox(func(cmd *cobra.Command, box *outbox.Store) error {
		st, err := box.Stats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}),
}

var outboxDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print buffered messages oldest first without removing them",
	RunE: withOutbox(func(cmd *cobra.Command, box *outbox.Store) error {
		recs, err := box.Drain(cmd.Context(), outboxLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, r := range recs {
			line := struct {
				ID        int64           `json:"id"`
				Topic     string          `json:"topic"`
				Payload   json.RawMessage `json:"payload"`
				CreatedAt time.Time       `json:"created_at"`
			}{r.ID, r.Topic, json.RawMessage(r.Payload), r.CreatedAt}
			if !json.Valid(r.Payload) {
				line.Payload, _ = json.Marshal(string(r.Payload))
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
		return nil
	}),
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every buffered message",
	RunE: withOutbox(func(cmd *cobra.Command, box *outbox.Store) error {
		n, err := box.ClearAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d buffered messages\n", n)
		return nil
	}),
}

func init() {
	outboxDumpCmd.Flags().IntVar(&outboxLimit, "limit", 100, "Maximum number of messages to print")
	outboxCmd.AddCommand(outboxStatusCmd, outboxDumpCmd, outboxClearCmd)
}
