// Package lifecycle defines the connection lifecycle events emitted by
// controllers and the observers that consume them (metrics, journal).
package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a lifecycle transition.
type Kind string

const (
	KindStarted           Kind = "started"
	KindConnecting        Kind = "connecting"
	KindNegotiationFailed Kind = "negotiation_failed"
	KindConnectFailed     Kind = "connect_failed" // transport closed before it opened
	KindOpened            Kind = "opened"
	KindClosed            Kind = "closed" // open transport lost or closed
	KindReconnecting      Kind = "reconnecting"
	KindSubscribed        Kind = "subscribed"
	KindUnsubscribed      Kind = "unsubscribed"
	KindEvicted           Kind = "evicted"
	KindGaveUp            Kind = "gave_up"
	KindTornDown          Kind = "torn_down"
)

// Event is a single lifecycle transition of one controller.
type Event struct {
	ID           uuid.UUID
	ControllerID uuid.UUID
	Path         string
	Kind         Kind
	SubscriberID uuid.UUID // uuid.Nil for connection-level events
	Err          error
	At           time.Time
}

// Observer receives lifecycle events. Observe is called from the controller
// loop and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

type tee []Observer

func (t tee) Observe(ev Event) {
	for _, o := range t {
		o.Observe(ev)
	}
}

// Tee fans events out to every non-nil observer in order.
func Tee(observers ...Observer) Observer {
	out := make(tee, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return out
}
