package connection

import (
	"fmt"
	"time"

	"github.com/mudtools/MudFeishu-sub002/errors"
)

// Config controls the session and reconnect policy.
type Config struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	// HeartbeatTimeout is how long the peer may stay silent. Zero means three
	// heartbeat intervals.
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	AutoReconnect     bool          `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	// MaxReconnectAttempts caps consecutive attempts. Zero means unlimited.
	MaxReconnectAttempts int `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	// ReconnectResetAfter is how long a session must stay authenticated before the
	// attempt counter starts over.
	ReconnectResetAfter time.Duration `json:"reconnect_reset_after" yaml:"reconnect_reset_after"`

	// SendAcks writes an ack or nack frame after each event is processed.
	SendAcks     bool  `json:"send_acks" yaml:"send_acks"`
	MaxFrameSize int64 `json:"max_frame_size" yaml:"max_frame_size"`
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    10 * time.Second,
		AutoReconnect:        true,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectDelay:    5 * time.Minute,
		MaxReconnectAttempts: 10,
		ReconnectResetAfter:  30 * time.Second,
	}
}

// Validate checks structural consistency. Operator-facing minimums are enforced when
// the configuration file is loaded.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return invalidConfig("heartbeat interval must be positive")
	case c.ReconnectDelay <= 0:
		return invalidConfig("reconnect delay must be positive")
	case c.MaxReconnectDelay < c.ReconnectDelay:
		return invalidConfig("max reconnect delay must not be below reconnect delay")
	case c.MaxReconnectAttempts < 0:
		return invalidConfig("max reconnect attempts must not be negative")
	case c.ConnectionTimeout <= 0:
		return invalidConfig("connection timeout must be positive")
	case c.HeartbeatTimeout < 0:
		return invalidConfig("heartbeat timeout must not be negative")
	}
	return nil
}

func invalidConfig(msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "connection", "Validate", "config check")
}
