package controller

import (
	"github.com/google/uuid"
)

// Commands cross the controller boundary with a reply channel; events are
// posted fire-and-forget by transports and timers. Every command that was
// posted successfully is answered, including after teardown.

type startCmd struct {
	apiURL    string
	negotiate Negotiator
	reply     chan error
}

type subscribeCmd struct {
	sub   Subscriber
	reply chan subscribeReply
}

type subscribeReply struct {
	id  uuid.UUID
	err error
}

type unsubscribeCmd struct {
	id    uuid.UUID
	reply chan struct{}
}

type sendCmd struct {
	data  string
	reply chan error
}

type statsCmd struct {
	reply chan Stats
}

type closeCmd struct {
	reply chan struct{}
}

// Transport events carry the generation of the connection that produced
// them so that events from superseded connections can be dropped.

type openedEvent struct {
	gen uint64
}

type messageEvent struct {
	gen  uint64
	data string
}

type closedEvent struct {
	gen uint64
	err error
}

type negotiatedEvent struct {
	gen       uint64
	protocols []string
	err       error
}

type reconnectTick struct {
	seq uint64
}

type closeDelayElapsed struct {
	seq uint64
}

type keepaliveTick struct {
	id uuid.UUID
}

type pingTimeout struct {
	id   uuid.UUID
	ping uint64
}

type pongEvent struct {
	id   uuid.UUID
	ping uint64
}
