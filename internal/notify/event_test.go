package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ev      ChangeEvent
		wantErr bool
	}{
		{"created", ChangeEvent{Kind: KindCreated, EntityID: "p1"}, false},
		{"deleted", ChangeEvent{Kind: KindDeleted, EntityID: "p1"}, false},
		{"unknown kind", ChangeEvent{Kind: "renamed", EntityID: "p1"}, true},
		{"empty kind", ChangeEvent{EntityID: "p1"}, true},
		{"blank entity", ChangeEvent{Kind: KindUpdated, EntityID: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangeEvent_EnvelopeRoundTrip(t *testing.T) {
	ev := ChangeEvent{
		Kind:             KindUpdated,
		EntityID:         "p1",
		Payload:          json.RawMessage(`{"id":"p1","price":9.5}`),
		OriginInstanceID: "instance-a",
		OriginEpoch:      "boot-1",
		Sequence:         12,
		Timestamp:        time.UnixMilli(1700000000123).UTC(),
	}

	env := ev.Envelope()
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "catalog.product.updated", env.Type)
	assert.Equal(t, "p1", env.Subject)
	assert.Equal(t, "instance-a", env.Source)
	assert.Equal(t, "boot-1", env.Epoch)

	// The envelope owns its payload.
	env.Payload[0] = '['
	assert.Equal(t, byte('{'), ev.Payload[0])
	env.Payload[0] = '{'

	back, err := FromEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, ev, back)
}

func TestFromEnvelope_Rejects(t *testing.T) {
	_, err := FromEnvelope(bus.Event{Type: "orders.created", Subject: "o1"})
	assert.Error(t, err)

	_, err = FromEnvelope(bus.Event{Type: "catalog.product.exploded", Subject: "p1"})
	assert.Error(t, err)

	_, err = FromEnvelope(bus.Event{Type: "catalog.product.created"})
	assert.Error(t, err)
}

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame(ChangeEvent{
		Kind:             KindDeleted,
		EntityID:         "p1",
		Payload:          json.RawMessage(`{"id":"p1"}`),
		OriginInstanceID: "a",
		Sequence:         3,
		Timestamp:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "productChange",
		"event": {
			"kind": "deleted",
			"entityId": "p1",
			"payload": {"id": "p1"},
			"originInstanceId": "a",
			"sequence": 3,
			"timestamp": "2024-01-02T03:04:05Z"
		}
	}`, string(frame))
}
