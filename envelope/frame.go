package envelope

import "encoding/json"

// FrameType names a control frame on the long connection.
type FrameType string

const (
	FrameAuth    FrameType = "auth"
	FrameAuthAck FrameType = "auth_ack"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
	FrameAck     FrameType = "ack"
	FrameNack    FrameType = "nack"
)

// Auth ack codes.
const (
	AuthOK                = 0
	AuthTokenExpired      = 401
	AuthCredentialInvalid = 403
)

// Frame is a control frame. Which fields are set depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// auth_ack
	Code int    `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`

	// PingInterval, in seconds, lets the server override the client heartbeat. Sent on
	// auth_ack and pong.
	PingInterval int `json:"ping_interval,omitempty"`

	// ack / nack
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// IsControl reports whether t is a known control frame type.
func IsControl(t FrameType) bool {
	switch t {
	case FrameAuth, FrameAuthAck, FramePing, FramePong, FrameAck, FrameNack:
		return true
	}
	return false
}

// AuthFrame builds the frame a client sends to authenticate.
func AuthFrame(token string) Frame {
	return Frame{Type: FrameAuth, Token: token}
}

// AckFrame acknowledges a processed event.
func AckFrame(eventID string) Frame {
	return Frame{Type: FrameAck, EventID: eventID}
}

// NackFrame reports a failed event.
func NackFrame(eventID, reason string) Frame {
	return Frame{Type: FrameNack, EventID: eventID, Reason: reason}
}

// Encode serializes a control frame as a JSON text frame.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
