package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"droneops-edge/internal/broker"
	"droneops-edge/internal/outbox"
	"droneops-edge/internal/sink"
	"droneops-edge/internal/telemetry"
)

var (
	replayInput     string
	replaySpeed     float64
	replayPrintOnly bool
	replayToOutbox  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a telemetry archive",
	Long:  "replay feeds messages from a JSONL archive into the configured sinks, STDOUT, or the outbox for the next relay run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return fmt.Errorf("input file required")
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		var writer sink.Writer
		if replayToOutbox {
			box, err := outbox.Open(cfg.Outbox.Path, outbox.WithLogger(logger))
			if err != nil {
				return err
			}
			defer box.Close()
			writer = outboxWriter{box: box, topics: broker.TopicsFor(cfg.MQTT)}
		} else {
			w, cleanup, err := newReplayWriter(cfg, replayPrintOnly, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			writer = w
		}

		n, err := sink.ReplayLogFile(replayInput, writer, replaySpeed)
		logger.Info("replay finished", "messages", n, "input", replayInput)
		return err
	},
}

// outboxWriter queues replayed messages for the relay's next flush.
type outboxWriter struct {
	box    *outbox.Store
	topics broker.Topics
}

func (w outboxWriter) Write(msg telemetry.Message) error {
	payload, err := telemetry.EncodePayload(msg)
	if err != nil {
		return err
	}
	_, err = w.box.Enqueue(context.Background(), w.topics.Data(""), payload)
	return err
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to telemetry archive (JSONL)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier (0 replays without delay)")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print telemetry to STDOUT")
	replayCmd.Flags().BoolVar(&replayToOutbox, "outbox", false, "Queue messages in the outbox instead of writing to sinks")
	replayCmd.MarkFlagRequired("input")
}
