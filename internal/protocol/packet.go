package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize caps one inbound websocket frame.
const MaxFrameSize = 16 << 10

var ErrEmptyType = errors.New("envelope without type")

// ClientEnvelope is one inbound frame: {type, seq?, payload}.
// Seq is echoed back in the ack when present.
type ClientEnvelope struct {
	Type    string          `json:"type"`
	Seq     *int64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ServerEnvelope is one outbound frame.
type ServerEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// DecodeClient parses an inbound frame. Payload stays raw until the handler
// for Type picks its shape.
func DecodeClient(data []byte) (ClientEnvelope, error) {
	if len(data) > MaxFrameSize {
		return ClientEnvelope{}, fmt.Errorf("frame too large: %d bytes", len(data))
	}

	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientEnvelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return ClientEnvelope{}, ErrEmptyType
	}
	return env, nil
}

// EncodeServer marshals an outbound frame.
func EncodeServer(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(ServerEnvelope{Type: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}
	return data, nil
}
