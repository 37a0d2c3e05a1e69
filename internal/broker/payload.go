package broker

import (
	"encoding/json"
	"time"

	"droneops-edge/internal/sysinfo"
)

// Death statuses.
const (
	StatusOnline     = "online"
	StatusOffline    = "offline"
	StatusDisconnect = "disconnect"
)

// BirthPayload is published retained on NBIRTH after every connect.
type BirthPayload struct {
	DroneID     string           `json:"drone_id"`
	Status      string           `json:"status"`
	StartTime   string           `json:"start_time"`
	System      sysinfo.Snapshot `json:"system"`
	Deployments []any            `json:"deployments"`
}

// DeathPayload is the last-will and the graceful-disconnect announcement.
type DeathPayload struct {
	DroneID   string `json:"drone_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewBirth encodes a birth payload.
func NewBirth(edge string, started time.Time, sys sysinfo.Snapshot, deployments []any) ([]byte, error) {
	if deployments == nil {
		deployments = []any{}
	}
	return json.Marshal(BirthPayload{
		DroneID:     edge,
		Status:      StatusOnline,
		StartTime:   started.UTC().Format(time.RFC3339),
		System:      sys,
		Deployments: deployments,
	})
}

// NewDeath encodes a death payload with status offline or disconnect.
func NewDeath(edge, status string, at time.Time) []byte {
	b, _ := json.Marshal(DeathPayload{
		DroneID:   edge,
		Status:    status,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
	return b
}
