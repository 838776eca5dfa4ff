package channel

import (
	"encoding/json"
	"errors"
)

// Push message types sent by the server.
const (
	TypeOBSConnectionStatus = "obs_connection_status"
	TypeOBSStreamingStatus  = "obs_streaming_status"
	TypeOBSCurrentScene     = "obs_current_scene"
	TypeLivestreamStatus    = "livestream_status"
	TypeYouTubeAuthStatus   = "youtube_auth_status"
	TypeStreamStartProgress = "stream_start_progress"
	TypePong                = "pong"

	// TypePing is the only frame the client sends.
	TypePing = "ping"
)

// ErrMissingType is returned for a frame without a type tag.
var ErrMissingType = errors.New("push frame has no type")

// Message is one {type, payload} frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	return m, nil
}

// Status is the connection state of the channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// HandlerFunc consumes the payload of one message type. A returned error is
// logged and the frame dropped; it never closes the channel.
type HandlerFunc func(payload json.RawMessage) error
