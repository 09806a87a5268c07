// Package transport maintains the WebSocket signaling connection: framing,
// keepalive and reconnection with backoff.
//
// Each SIP message travels as a single WebSocket text frame (RFC 7118).
package transport

import (
	"log/slog"
	"time"

	"github.com/eddyslarez/sip-library-sub001/log"
)

// State represents the transport connection state.
type State string

const (
	// StateConnecting is reported before every dial attempt.
	StateConnecting State = "connecting"
	// StateUp is reported after a successful dial.
	StateUp State = "up"
	// StateDown is reported when the connection is lost or a dial fails.
	StateDown State = "down"
)

// FrameHandler receives each inbound WebSocket text frame.
type FrameHandler func(data []byte)

// StateHandler receives connection state changes. The error is non-nil
// for [StateDown] and carries the cause.
type StateHandler func(state State, err error)

// Default option values.
const (
	DefaultSubprotocol       = "sip"
	DefaultDialTimeout       = 10 * time.Second
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultGraceWindow       = 10 * time.Second
	DefaultInitialBackoff    = time.Second
	DefaultMaxBackoff        = 2 * time.Minute
)

// Options configure a [Manager].
type Options struct {
	// URL is the WebSocket endpoint, ws:// or wss://.
	URL string
	// Subprotocol is the negotiated WebSocket subprotocol.
	// If empty, [DefaultSubprotocol] is used.
	Subprotocol string
	// DialTimeout bounds the WebSocket handshake.
	// If 0, [DefaultDialTimeout] is used.
	DialTimeout time.Duration
	// KeepaliveInterval is the ping cadence.
	// If 0, [DefaultKeepaliveInterval] is used.
	KeepaliveInterval time.Duration
	// GraceWindow is how long past the keepalive interval the session
	// waits for any traffic before declaring the connection dead.
	// If 0, [DefaultGraceWindow] is used.
	GraceWindow time.Duration
	// InitialBackoff is the first reconnect delay.
	// If 0, [DefaultInitialBackoff] is used.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay.
	// If 0, [DefaultMaxBackoff] is used.
	MaxBackoff time.Duration
	// Logger is the logger. If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *Options) url() string {
	if o == nil {
		return ""
	}
	return o.URL
}

func (o *Options) subprotocol() string {
	if o == nil || o.Subprotocol == "" {
		return DefaultSubprotocol
	}
	return o.Subprotocol
}

func (o *Options) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout == 0 {
		return DefaultDialTimeout
	}
	return o.DialTimeout
}

func (o *Options) keepaliveInterval() time.Duration {
	if o == nil || o.KeepaliveInterval == 0 {
		return DefaultKeepaliveInterval
	}
	return o.KeepaliveInterval
}

func (o *Options) graceWindow() time.Duration {
	if o == nil || o.GraceWindow == 0 {
		return DefaultGraceWindow
	}
	return o.GraceWindow
}

func (o *Options) initialBackoff() time.Duration {
	if o == nil || o.InitialBackoff == 0 {
		return DefaultInitialBackoff
	}
	return o.InitialBackoff
}

func (o *Options) maxBackoff() time.Duration {
	if o == nil || o.MaxBackoff == 0 {
		return DefaultMaxBackoff
	}
	return o.MaxBackoff
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}
