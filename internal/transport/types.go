package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
)

// Events are the notifications a Conn delivers. Nil fields are skipped.
// Callbacks run on the connection's own goroutine and should not block.
type Events struct {
	OnOpen    func()
	OnMessage func(data string)
	OnClose   func(err error)
}

// Conn is an open (or opening) connection.
type Conn interface {
	// Send writes a text frame. It fails with ErrNotConnected before the
	// connection is open or after it closed.
	Send(data string) error

	// Close tears the connection down. No events are delivered afterwards.
	// Closing twice is a no-op.
	Close() error
}

// Dialer opens connections. Open must not block on the network.
type Dialer interface {
	Open(url string, protocols []string, ev Events) Conn
}

// HandshakeError is reported through OnClose when a connection could not be
// established.
type HandshakeError struct {
	URL        string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("handshake %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("handshake %s: %v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Rejected reports whether the server refused the client outright.
func (e *HandshakeError) Rejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// JoinURL builds the connection URL for path under base. An empty path
// yields base unchanged.
func JoinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + path
}

// HeaderFunc produces handshake headers for each dial of url, e.g. fresh
// signatures.
type HeaderFunc func(url string) (http.Header, error)

// Config configures the WebSocket dialer.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables transport-level pings
	PongTimeout      time.Duration // max silence before a connection is stale
	Header           HeaderFunc
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
	}
}
