package broker

import (
	"strings"

	"droneops-edge/internal/config"
)

// Message classes of the Sparkplug-style topic namespace.
const (
	ClassNBirth = "NBIRTH"
	ClassNDeath = "NDEATH"
	ClassDData  = "DDATA"
	ClassNCmd   = "NCMD"
	ClassDCmd   = "DCMD"
)

// Topics builds topics of the form {namespace}/{group}/{class}/{edge}[/{device}].
type Topics struct {
	Namespace string
	Group     string
	Edge      string
	Device    string
	// All adds the group-wide wildcard to the subscription set.
	All bool
}

// TopicsFor derives the topic set from the broker configuration.
func TopicsFor(m config.MQTT) Topics {
	return Topics{Namespace: m.Namespace, Group: m.Group, Edge: m.EdgeID, Device: m.DeviceID, All: m.SubscribeAll}
}

func (t Topics) join(class string, rest ...string) string {
	parts := append([]string{t.Namespace, t.Group, class, t.Edge}, rest...)
	return strings.Join(parts, "/")
}

// Birth is the NBIRTH topic for this edge.
func (t Topics) Birth() string { return t.join(ClassNBirth) }

// Death is the NDEATH topic, also used for the last-will.
func (t Topics) Death() string { return t.join(ClassNDeath) }

// Data is the DDATA topic for device; an empty device uses t.Device.
func (t Topics) Data(device string) string {
	if device == "" {
		device = t.Device
	}
	return t.join(ClassDData, device)
}

// Command is the NCMD topic for a node-level action.
func (t Topics) Command(action string) string { return t.join(ClassNCmd, action) }

// DeviceCommand is the DCMD topic for the configured device.
func (t Topics) DeviceCommand() string { return t.join(ClassDCmd, t.Device) }

// Subscriptions is the fixed filter set subscribed after every connect.
func (t Topics) Subscriptions() []string {
	subs := []string{
		t.join(ClassNCmd, "#"),
		t.DeviceCommand(),
	}
	if t.All {
		subs = append(subs, strings.Join([]string{t.Namespace, t.Group, "+", "+", "#"}, "/"))
	}
	return subs
}

// Parsed is a topic split into its namespace components.
type Parsed struct {
	Class string
	Edge  string
	Rest  []string
}

// Parse splits topic if it lies under t's namespace and group.
func (t Topics) Parse(topic string) (Parsed, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != t.Namespace || parts[1] != t.Group {
		return Parsed{}, false
	}
	return Parsed{Class: parts[2], Edge: parts[3], Rest: parts[4:]}, true
}
