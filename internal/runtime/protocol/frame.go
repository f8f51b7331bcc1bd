package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
)

// Heartbeat is the liveness probe literal sent by the remote side.
const Heartbeat = "ping"

// Close codes with a fixed meaning. Any other code is an abnormal closure.
const (
	CloseNormal             = 1000
	CloseAuthenticationFail = 4000
)

// Frame is the envelope of every message on the socket.
type Frame struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsHeartbeat reports whether raw is the liveness literal rather than a frame.
func IsHeartbeat(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte(Heartbeat))
}

// DecodeFrame parses a raw text message into a Frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := jsoncodec.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// EncodeFrame serialises id and data into a frame. data may be a Command, a
// pre-encoded json.RawMessage or any JSON-marshalable value.
func EncodeFrame(id string, data any) ([]byte, error) {
	payload, err := jsoncodec.Raw(data)
	if err != nil {
		return nil, fmt.Errorf("encode frame data: %w", err)
	}
	return jsoncodec.Marshal(Frame{ID: id, Data: payload})
}
