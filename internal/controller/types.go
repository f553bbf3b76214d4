package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/streammux/internal/lifecycle"
)

// Errors
var (
	ErrClosed            = errors.New("controller closed")
	ErrInvalidSubscriber = errors.New("subscriber requires OnEvent and Ping")
)

// Default timings.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 5 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
)

// State is the connection state of a Controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDisconnected
	StateClosed // terminal, reached only by teardown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Negotiator resolves the sub-protocols to offer for path. A nil or empty
// result means "not ready yet": the attempt is skipped and retried by the
// reconnect loop.
type Negotiator func(ctx context.Context, path string) ([]string, error)

// RetryPolicy decides whether a failure should keep the reconnect loop
// going. Returning false makes the controller give up: every subscriber is
// closed and the controller tears down.
type RetryPolicy func(err error) bool

// AlwaysRetry retries every failure forever.
func AlwaysRetry(error) bool { return true }

// RetryUnlessRejected gives up when the server refused the client outright,
// such as a 401 or 403 on the handshake or the negotiation request, and
// retries everything else.
func RetryUnlessRejected(err error) bool {
	var rejection interface{ Rejected() bool }
	if errors.As(err, &rejection) && rejection.Rejected() {
		return false
	}
	return true
}

// Subscriber is the set of callbacks registered by one logical listener.
// OnEvent and Ping are required.
type Subscriber struct {
	OnEvent func(data string)

	// Ping must eventually call pong to prove the subscriber is alive.
	Ping func(pong func())

	OnConnect    func()
	OnDisconnect func()

	// OnClose fires once if the subscriber is evicted by the controller.
	// It never fires after an explicit unsubscribe.
	OnClose func()
}

// Unsubscribe removes a subscriber. Calling it more than once is a no-op.
type Unsubscribe func()

// Options configures a Controller. Zero values fall back to the defaults.
type Options struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	ReconnectDelay    time.Duration
	CloseDelay        time.Duration // 0 tears down synchronously

	Retry    RetryPolicy
	Clock    clock.Clock
	Observer lifecycle.Observer
	Logger   *slog.Logger
}

// DefaultOptions returns the default timings.
func DefaultOptions() Options {
	return Options{
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveTimeout:  DefaultKeepaliveTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.CloseDelay < 0 {
		o.CloseDelay = 0
	}
	if o.Retry == nil {
		o.Retry = AlwaysRetry
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Observer == nil {
		o.Observer = lifecycle.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats is a snapshot of a controller's state.
type Stats struct {
	State           State
	Subscribers     int
	PendingPings    int
	Generation      uint64
	ConnectAttempts int64
	Opens           int64
	Reconnecting    bool
	ClosePending    bool
}
