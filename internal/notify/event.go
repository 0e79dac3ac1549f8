package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/google/uuid"
)

// Kind is the type of catalog mutation.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindDeleted:
		return true
	}
	return false
}

const eventTypePrefix = "catalog.product."

// FrameType is the client frame type for change events.
const FrameType = "productChange"

// ChangeEvent describes one catalog mutation. It is a value type and is
// never modified after construction.
type ChangeEvent struct {
	Kind             Kind            `json:"kind"`
	EntityID         string          `json:"entityId"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	OriginInstanceID string          `json:"originInstanceId"`
	OriginEpoch      string          `json:"originEpoch,omitempty"`
	Sequence         uint64          `json:"sequence"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Validate checks the fields a publisher must set.
func (e ChangeEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid change kind %q", e.Kind)
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

// Envelope converts the event to its broker form.
func (e ChangeEvent) Envelope() bus.Event {
	return bus.Event{
		ID:        uuid.NewString(),
		Type:      eventTypePrefix + string(e.Kind),
		Subject:   e.EntityID,
		Source:    e.OriginInstanceID,
		Epoch:     e.OriginEpoch,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UnixMilli(),
		Payload:   append(json.RawMessage(nil), e.Payload...),
	}
}

// FromEnvelope converts a broker event back into a ChangeEvent.
func FromEnvelope(ev bus.Event) (ChangeEvent, error) {
	kind, ok := strings.CutPrefix(ev.Type, eventTypePrefix)
	if !ok {
		return ChangeEvent{}, fmt.Errorf("unexpected event type %q", ev.Type)
	}

	ce := ChangeEvent{
		Kind:             Kind(kind),
		EntityID:         ev.Subject,
		Payload:          ev.Payload,
		OriginInstanceID: ev.Source,
		OriginEpoch:      ev.Epoch,
		Sequence:         ev.Sequence,
		Timestamp:        time.UnixMilli(ev.Timestamp).UTC(),
	}
	if err := ce.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ce, nil
}

// Frame is the message pushed to clients.
type Frame struct {
	Type  string      `json:"type"`
	Event ChangeEvent `json:"event"`
}

// EncodeFrame serializes the client frame for e.
func EncodeFrame(e ChangeEvent) ([]byte, error) {
	return json.Marshal(Frame{Type: FrameType, Event: e})
}
