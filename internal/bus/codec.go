package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes events for the wire.
type Codec interface {
	Name() string
	Marshal(event Event) ([]byte, error)
}

// JSONCodec encodes events as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// MsgpackCodec encodes events as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(event Event) ([]byte, error) {
	return msgpack.Marshal(&event)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// Decode parses an envelope produced by any Codec. JSON objects start with
// '{', which is never the first byte of a MessagePack map, so instances
// running different codecs can share a channel.
func Decode(data []byte) (Event, error) {
	var event Event
	if len(data) == 0 {
		return event, fmt.Errorf("empty message")
	}
	if data[0] == '{' {
		if err := json.Unmarshal(data, &event); err != nil {
			return Event{}, fmt.Errorf("decode json event: %w", err)
		}
		return event, nil
	}
	if err := msgpack.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decode msgpack event: %w", err)
	}
	return event, nil
}
