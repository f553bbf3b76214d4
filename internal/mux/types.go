package mux

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/streammux/internal/controller"
)

// Remote is the controller surface the multiplexer drives.
type Remote interface {
	Path() string
	Start(ctx context.Context, apiURL string, negotiate controller.Negotiator) error
	Subscribe(ctx context.Context, sub controller.Subscriber) (controller.Unsubscribe, error)
	SendMessage(ctx context.Context, data string) error
}

// Factory returns the controller for resource. A nil Remote or an error
// fails the subscription with a *ControllerCreationError.
type Factory[R ~string] func(resource R) (Remote, error)

// SpawnFactory adapts a spawn function such as worker.Host.Spawn.
func SpawnFactory[R ~string](spawn func(path string) (*controller.Controller, error)) Factory[R] {
	return func(resource R) (Remote, error) {
		c, err := spawn(string(resource))
		if err != nil || c == nil {
			return nil, err
		}
		return c, nil
	}
}

// ProtocolSource resolves the sub-protocols for resource. A nil result
// skips the current connection attempt.
type ProtocolSource[R ~string] func(ctx context.Context, resource R) ([]string, error)

// SendFunc forwards a message to the resource's connection.
type SendFunc func(ctx context.Context, msg string) error

// Hooks are the optional connection callbacks of a subscription.
type Hooks struct {
	OnConnect    func()
	OnDisconnect func()

	// OnClose fires when the controller evicts the subscription. The
	// subscription is gone by the time it runs.
	OnClose func()

	// Ping answers keepalive pings. Without it every ping is answered at once.
	Ping func(pong func())
}

// Options configures a Multiplexer.
type Options[R ~string, O comparable] struct {
	// APIURL returns the base URL passed to every controller start.
	APIURL func() string

	Factory Factory[R]

	// GetProtocols enables sub-protocol negotiation.
	GetProtocols ProtocolSource[R]

	// AutoUnsubscribe is called after each successful subscribe so the caller
	// can tie unsubscribe to the owner's own lifecycle.
	AutoUnsubscribe func(owner O, unsubscribe func())

	Logger *slog.Logger
}

// StaticURL returns an APIURL func that always yields url.
func StaticURL(url string) func() string {
	return func() string { return url }
}

// ControllerCreationError is returned when no controller could be obtained
// for a resource.
type ControllerCreationError struct {
	Resource string
	Err      error
}

func (e *ControllerCreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to create controller for resource %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("unable to create controller for resource %s", e.Resource)
}

func (e *ControllerCreationError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of the multiplexer's bookkeeping.
type Stats struct {
	Resources     int
	Subscriptions int
	Paths         int
}
