package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edge.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: broker.local
  port: 8883
  tls: true
  group: Fleet-A
  edge_id: EDGE-7
  backoff:
    initial: 500ms
    max_interval: 10s
outbox:
  path: /tmp/outbox.db
  flush_batch: 25
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.MQTT.Broker != "broker.local" || cfg.MQTT.EdgeID != "EDGE-7" {
		t.Errorf("Unexpected mqtt data: %+v", cfg.MQTT)
	}
	if cfg.MQTT.Backoff.Initial != 500*time.Millisecond || cfg.MQTT.Backoff.MaxInterval != 10*time.Second {
		t.Errorf("Unexpected backoff: %+v", cfg.MQTT.Backoff)
	}
	if cfg.Outbox.FlushBatch != 25 {
		t.Errorf("flush batch = %d, want 25", cfg.Outbox.FlushBatch)
	}
	// untouched sections keep defaults
	if cfg.MQTT.Namespace != "spBv1.0" || cfg.Outbox.FlushInterval != time.Second {
		t.Errorf("defaults not preserved: %+v %+v", cfg.MQTT, cfg.Outbox)
	}
	if got := cfg.MQTT.BrokerURL(); got != "ssl://broker.local:8883" {
		t.Errorf("BrokerURL = %s", got)
	}
}

func TestLoadConfig_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"bad port":      "mqtt:\n  port: 70000\n",
		"bad qos":       "mqtt:\n  qos: 3\n",
		"unknown key":   "mqttt:\n  broker: x\n",
		"bad level":     "log:\n  level: loud\n",
		"bad link":      "mavlink:\n  connection: bluetooth:x\n",
		"bad duration":  "outbox:\n  flush_interval: soon\n",
		"empty edge id": "mqtt:\n  edge_id: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("EDGE_ID", "ENV-EDGE")
	t.Setenv("MQTT_PORT", "2883")
	t.Setenv("OUTBOX_PATH", "/var/lib/edge/outbox.db")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.EdgeID != "ENV-EDGE" || cfg.MQTT.Port != 2883 || cfg.Outbox.Path != "/var/lib/edge/outbox.db" {
		t.Fatalf("env not applied: %+v %+v", cfg.MQTT, cfg.Outbox)
	}

	t.Setenv("MQTT_PORT", "abc")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for bad MQTT_PORT")
	}
}

func TestDefaultAllowListCopied(t *testing.T) {
	cfg := Default()
	cfg.MAVLink.AllowList[0] = "CHANGED"
	if DefaultAllowList[0] == "CHANGED" {
		t.Fatalf("Default must not alias DefaultAllowList")
	}
}
