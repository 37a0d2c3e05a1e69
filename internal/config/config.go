// YAML config loader with CUE validation integration
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backoff bounds the broker reconnect policy. MaxElapsed of zero retries forever.
type Backoff struct {
	Initial     time.Duration `yaml:"initial"`
	MaxInterval time.Duration `yaml:"max_interval"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

// MQTT describes the broker session and the Sparkplug-style topic namespace.
type MQTT struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	TLS            bool          `yaml:"tls"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	QoS            int           `yaml:"qos"`
	Namespace      string        `yaml:"namespace"`
	Group          string        `yaml:"group"`
	EdgeID         string        `yaml:"edge_id"`
	DeviceID       string        `yaml:"device_id"`
	SubscribeAll   bool          `yaml:"subscribe_all"`
	Backoff        Backoff       `yaml:"backoff"`
}

// MAVLink describes the vehicle link.
type MAVLink struct {
	Connection       string        `yaml:"connection"`
	HeartbeatRetries int           `yaml:"heartbeat_retries"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	StreamRateHz     int           `yaml:"stream_rate_hz"`
	AllowList        []string      `yaml:"allow_list"`
}

// Outbox configures durable buffering and the flush cadence.
type Outbox struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushBatch    int           `yaml:"flush_batch"`
}

// Collaborators lists the sibling services that commands are forwarded to.
type Collaborators struct {
	OTAURL     string        `yaml:"ota_url"`
	MAVLinkURL string        `yaml:"mavlink_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HTTP configures the control surface.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Archive enables the local JSONL telemetry archive.
type Archive struct {
	Path string `yaml:"path"`
}

// Greptime enables the optional time-series mirror.
type Greptime struct {
	Endpoint string `yaml:"endpoint"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration of the edge relay.
type Config struct {
	MQTT          MQTT          `yaml:"mqtt"`
	MAVLink       MAVLink       `yaml:"mavlink"`
	Outbox        Outbox        `yaml:"outbox"`
	Collaborators Collaborators `yaml:"collaborators"`
	HTTP          HTTP          `yaml:"http"`
	Archive       Archive       `yaml:"archive"`
	Greptime      Greptime      `yaml:"greptime"`
	Log           Log           `yaml:"log"`
	// FlightReportInterval controls the periodic flight-time message; zero disables it.
	FlightReportInterval time.Duration `yaml:"flight_report_interval"`
}

// DefaultAllowList is the set of vehicle message types relayed upstream.
var DefaultAllowList = []string{
	"ATTITUDE",
	"GLOBAL_POSITION_INT",
	"HEARTBEAT",
	"SYS_STATUS",
	"SERVO_OUTPUT_RAW",
	"RC_CHANNELS",
	"SYSTEM_TIME",
	"BATTERY_STATUS",
	"MCU_STATUS",
	"MISSION_CURRENT",
	"FENCE_STATUS",
	"VIBRATION",
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		MQTT: MQTT{
			Broker:         "localhost",
			Port:           1883,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 5 * time.Second,
			QoS:            1,
			Namespace:      "spBv1.0",
			Group:          "DroneFleet",
			EdgeID:         "DHAKSHA-001",
			DeviceID:       "fc",
			Backoff: Backoff{
				Initial:     time.Second,
				MaxInterval: 30 * time.Second,
			},
		},
		MAVLink: MAVLink{
			Connection:       "udp:0.0.0.0:14550",
			HeartbeatRetries: 10,
			HeartbeatTimeout: 3 * time.Second,
			PollTimeout:      5 * time.Second,
			StreamRateHz:     1,
			AllowList:        append([]string(nil), DefaultAllowList...),
		},
		Outbox: Outbox{
			Path:          "outbox.db",
			FlushInterval: time.Second,
			FlushBatch:    10,
		},
		Collaborators: Collaborators{
			OTAURL:     "http://localhost:5000",
			MAVLinkURL: "http://localhost:5002",
			Timeout:    10 * time.Second,
		},
		HTTP:                 HTTP{Addr: ":5001"},
		Greptime:             Greptime{Port: 4001, Database: "public", Table: "drone_telemetry"},
		Log:                  Log{Level: "info", Format: "text"},
		FlightReportInterval: 10 * time.Second,
	}
}

// Load reads a YAML config, validates it against the embedded CUE schema,
// overlays it on Default and applies environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := ValidateWithCue(data); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot unmarshal YAML config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("EDGE_ID", &c.MQTT.EdgeID)
	setString("MQTT_BROKER", &c.MQTT.Broker)
	setString("MQTT_USERNAME", &c.MQTT.Username)
	setString("MQTT_PASSWORD", &c.MQTT.Password)
	setString("MAVLINK_CONNECTION", &c.MAVLink.Connection)
	setString("OUTBOX_PATH", &c.Outbox.Path)
	setString("GREPTIMEDB_ENDPOINT", &c.Greptime.Endpoint)
	setString("LOG_LEVEL", &c.Log.Level)
	if v := os.Getenv("MQTT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		c.MQTT.Port = p
	}
	return nil
}

// BrokerURL returns the paho server URI for the configured broker.
func (m MQTT) BrokerURL() string {
	scheme := "tcp"
	if m.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Broker, m.Port)
}
