// Package mavlink adapts a gomavlib node to the telemetry.Link interface.
package mavlink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v2"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"

	"droneops-edge/internal/config"
	"droneops-edge/internal/telemetry"
)

// armedFlag is the base_mode bit set while the vehicle is armed.
var armedFlag = uint64(common.MAV_MODE_FLAG_SAFETY_ARMED)

// autopilotInvalid marks heartbeats sent by ground stations and peripherals.
const autopilotInvalid = uint64(common.MAV_AUTOPILOT_INVALID)

// ParseEndpoint turns "udp:HOST:PORT", "tcp:HOST:PORT" or "serial:DEVICE[:BAUD]"
// into a gomavlib endpoint. A udp endpoint listens; tcp dials out.
func ParseEndpoint(conn string) (gomavlib.EndpointConf, error) {
	scheme, rest, ok := strings.Cut(conn, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("mavlink connection %q: want scheme:address", conn)
	}
	switch scheme {
	case "udp", "udpin":
		return gomavlib.EndpointUDPServer{Address: rest}, nil
	case "udpout":
		return gomavlib.EndpointUDPClient{Address: rest}, nil
	case "tcp":
		return gomavlib.EndpointTCPClient{Address: rest}, nil
	case "serial":
		dev, baud := rest, 57600
		if i := strings.LastIndex(rest, ":"); i > 0 {
			b, err := strconv.Atoi(rest[i+1:])
			if err != nil {
				return nil, fmt.Errorf("mavlink connection %q: bad baud rate: %w", conn, err)
			}
			dev, baud = rest[:i], b
		}
		return gomavlib.EndpointSerial{Device: dev, Baud: baud}, nil
	default:
		return nil, fmt.Errorf("mavlink connection %q: unsupported scheme %q", conn, scheme)
	}
}

// Link reads frames from a gomavlib node.
type Link struct {
	node   *gomavlib.Node
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
}

// Open starts a node on the configured connection using the ardupilotmega dialect.
func Open(cfg config.MAVLink, logger *slog.Logger) (*Link, error) {
	ep, err := ParseEndpoint(cfg.Connection)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:              []gomavlib.EndpointConf{ep},
		Dialect:                ardupilotmega.Dialect,
		OutVersion:             gomavlib.V2,
		OutSystemID:            255,
		StreamRequestEnable:    cfg.StreamRateHz > 0,
		StreamRequestFrequency: cfg.StreamRateHz,
	})
	if err != nil {
		return nil, fmt.Errorf("open mavlink %s: %w", cfg.Connection, err)
	}
	logger.Info("mavlink link open", "connection", cfg.Connection, "stream_rate_hz", cfg.StreamRateHz)
	return &Link{node: node, logger: logger, now: time.Now}, nil
}

// Next returns the next decoded frame as a telemetry message.
func (l *Link) Next(ctx context.Context) (telemetry.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return telemetry.Message{}, ctx.Err()
		case ev, ok := <-l.node.Events():
			if !ok {
				return telemetry.Message{}, telemetry.ErrLinkClosed
			}
			switch e := ev.(type) {
			case *gomavlib.EventFrame:
				return Convert(e.Message(), l.now()), nil
			case *gomavlib.EventParseError:
				return telemetry.Message{}, &telemetry.DecodeError{Err: e.Error}
			case *gomavlib.EventChannelOpen:
				l.logger.Info("mavlink channel open", "channel", e.Channel)
			case *gomavlib.EventChannelClose:
				l.logger.Warn("mavlink channel closed", "channel", e.Channel)
			}
		}
	}
}

// Armed reads the safety-armed bit of a vehicle heartbeat.
func (l *Link) Armed(msg telemetry.Message) (armed, ok bool) {
	return Armed(msg)
}

// Armed reads the safety-armed bit of a vehicle heartbeat. Heartbeats from
// ground stations carry no vehicle state and report ok=false.
func Armed(msg telemetry.Message) (armed, ok bool) {
	if msg.Type != telemetry.TypeHeartbeat {
		return false, false
	}
	if ap, found := asUint(msg.Fields["autopilot"]); found && ap == autopilotInvalid {
		return false, false
	}
	mode, found := asUint(msg.Fields["base_mode"])
	if !found {
		return false, false
	}
	return mode&armedFlag != 0, true
}

// Close stops the node.
func (l *Link) Close() error {
	l.closeOnce.Do(l.node.Close)
	return nil
}

func asUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case float64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}
