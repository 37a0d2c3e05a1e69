// Telemetry messages relayed from the vehicle link.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type tags used by the relay core.
const (
	TypeHeartbeat = "HEARTBEAT"
	// TypeFlight is emitted by the relay itself with flight-time totals.
	TypeFlight = "FLIGHT_TIME"
)

// Message is one decoded vehicle message. It is not modified after creation.
type Message struct {
	Type       string         `json:"type"`
	Fields     map[string]any `json:"fields"`
	CapturedAt time.Time      `json:"captured_at"`
}

// Reserved payload keys. Decoded fields with the same name are overwritten.
const (
	keyMessageType = "messageType"
	keyTimestamp   = "timestamp"
	keyMessageID   = "msg_id"
)

// EncodePayload renders msg in the canonical wire format shared by direct
// publishes and the outbox:
//
//	{"messageType": "...", <fields>, "timestamp": "<RFC3339 UTC>", "msg_id": "<uuid>"}
func EncodePayload(msg Message) ([]byte, error) {
	doc := make(map[string]any, len(msg.Fields)+3)
	for k, v := range msg.Fields {
		doc[k] = v
	}
	doc[keyMessageType] = msg.Type
	doc[keyTimestamp] = msg.CapturedAt.UTC().Format(time.RFC3339Nano)
	doc[keyMessageID] = uuid.NewString()
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Type, err)
	}
	return b, nil
}

// DecodePayload parses a canonical payload back into a Message.
func DecodePayload(b []byte) (Message, error) {
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	typ, _ := doc[keyMessageType].(string)
	if typ == "" {
		return Message{}, fmt.Errorf("decode payload: missing %s", keyMessageType)
	}
	var at time.Time
	if s, ok := doc[keyTimestamp].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Message{}, fmt.Errorf("decode payload: %w", err)
		}
		at = t
	}
	delete(doc, keyMessageType)
	delete(doc, keyTimestamp)
	delete(doc, keyMessageID)
	return Message{Type: typ, Fields: doc, CapturedAt: at}, nil
}

// AllowList is a set of message type tags.
type AllowList map[string]struct{}

// NewAllowList builds an AllowList from tags.
func NewAllowList(tags []string) AllowList {
	a := make(AllowList, len(tags))
	for _, t := range tags {
		a[t] = struct{}{}
	}
	return a
}

// Allows reports whether typ is in the list.
func (a AllowList) Allows(typ string) bool {
	_, ok := a[typ]
	return ok
}
