package controller

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rickgao/streammux/internal/mailbox"
)

// subscriber is the controller-side record of one Subscriber. Its callbacks
// are queued on outbox and run by a dedicated goroutine, in order.
type subscriber struct {
	id     uuid.UUID
	hooks  Subscriber
	outbox *mailbox.Buffer[func()]

	keepalive *clock.Timer
	pingSeq   uint64
	pending   map[uint64]*clock.Timer // ping seq → timeout timer
}

func newSubscriber(hooks Subscriber) *subscriber {
	s := &subscriber{
		id:      uuid.New(),
		hooks:   hooks,
		outbox:  mailbox.New[func()](16),
		pending: make(map[uint64]*clock.Timer),
	}
	go s.dispatch()
	return s
}

func (s *subscriber) dispatch() {
	for {
		fn, ok := s.outbox.Receive()
		if !ok {
			return
		}
		fn()
	}
}

func (s *subscriber) deliver(fn func()) {
	if fn != nil {
		s.outbox.Post(fn)
	}
}

func (s *subscriber) event(data string) {
	s.outbox.Post(func() { s.hooks.OnEvent(data) })
}

func (s *subscriber) stopTimers() {
	if s.keepalive != nil {
		s.keepalive.Stop()
		s.keepalive = nil
	}
	for seq, t := range s.pending {
		t.Stop()
		delete(s.pending, seq)
	}
}
