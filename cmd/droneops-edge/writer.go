package main

import (
	"log/slog"

	"droneops-edge/internal/config"
	"droneops-edge/internal/sink"
)

// newSinks sets up the telemetry sinks from the configuration and flags.
// It returns the sinks and a cleanup function to close any resources.
func newSinks(cfg *config.Config, printOnly bool, logger *slog.Logger) ([]sink.Writer, func(), error) {
	cleanup := func() {}
	var ws []sink.Writer

	if printOnly {
		ws = append(ws, sink.NewJSONStdoutWriter())
	}
	if cfg.Greptime.Endpoint != "" {
		gw, err := sink.NewGreptimeDBWriter(cfg.Greptime, cfg.MQTT.EdgeID, logger.With("component", "greptime"))
		if err != nil {
			return nil, nil, err
		}
		ws = append(ws, gw)
	}
	if cfg.Archive.Path != "" {
		fw, err := sink.NewFileWriter(cfg.Archive.Path)
		if err != nil {
			return nil, nil, err
		}
		ws = append(ws, fw)
		cleanup = func() { fw.Close() }
	}
	return ws, cleanup, nil
}

// newReplayWriter fans replayed messages out to every configured sink, or to
// STDOUT when none is configured.
func newReplayWriter(cfg *config.Config, printOnly bool, logger *slog.Logger) (sink.Writer, func(), error) {
	// the archive being replayed must not be appended to
	c := *cfg
	c.Archive.Path = ""
	ws, cleanup, err := newSinks(&c, printOnly, logger)
	if err != nil {
		return nil, nil, err
	}
	switch len(ws) {
	case 0:
		return sink.NewJSONStdoutWriter(), cleanup, nil
	case 1:
		return ws[0], cleanup, nil
	}
	return sink.NewMultiWriter(ws...), cleanup, nil
}
