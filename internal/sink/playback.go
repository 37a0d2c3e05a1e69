package sink

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"droneops-edge/internal/telemetry"
)

// ReplayLog replays archived messages from r to writer. A speed >0 accelerates playback.
// If speed <= 0, no artificial delay is inserted.
func ReplayLog(r io.Reader, writer Writer, speed float64) (int, error) {
	dec := json.NewDecoder(r)
	var prev time.Time
	n := 0
	for {
		var msg telemetry.Message
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		if !prev.IsZero() && speed > 0 {
			diff := msg.CapturedAt.Sub(prev)
			if speed != 1 {
				diff = time.Duration(float64(diff) / speed)
			}
			if diff > 0 {
				time.Sleep(diff)
			}
		}
		if err := writer.Write(msg); err != nil {
			return n, err
		}
		n++
		prev = msg.CapturedAt
	}
}

// ReplayLogFile opens an archive and replays its messages.
func ReplayLogFile(path string, writer Writer, speed float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return ReplayLog(f, writer, speed)
}
