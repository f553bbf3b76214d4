package controller

import (
	"github.com/rickgao/streammux/internal/lifecycle"
)

// armKeepalive schedules the next ping for s.
func (c *Controller) armKeepalive(s *subscriber) {
	id := s.id
	s.keepalive = c.clock.AfterFunc(c.opts.KeepaliveInterval, func() {
		c.mbox.Post(keepaliveTick{id: id})
	})
}

// handleKeepaliveTick pings the subscriber. Each ping gets its own timeout;
// the next ping is scheduled regardless of the outcome.
func (c *Controller) handleKeepaliveTick(m keepaliveTick) {
	s := c.find(m.id)
	if s == nil {
		return
	}
	c.armKeepalive(s)

	s.pingSeq++
	id, ping := s.id, s.pingSeq
	s.pending[ping] = c.clock.AfterFunc(c.opts.KeepaliveTimeout, func() {
		c.mbox.Post(pingTimeout{id: id, ping: ping})
	})

	pong := func() { c.mbox.Post(pongEvent{id: id, ping: ping}) }
	s.deliver(func() { s.hooks.Ping(pong) })
}

func (c *Controller) handlePong(m pongEvent) {
	s := c.find(m.id)
	if s == nil {
		return
	}
	if t, ok := s.pending[m.ping]; ok {
		t.Stop()
		delete(s.pending, m.ping)
	}
}

func (c *Controller) handlePingTimeout(m pingTimeout) {
	s := c.find(m.id)
	if s == nil {
		return
	}
	if _, ok := s.pending[m.ping]; !ok {
		return
	}

	c.remove(s.id)
	c.logger.Warn("keepalive timeout, evicting subscriber",
		"subscriber", s.id,
		"timeout", c.opts.KeepaliveTimeout,
	)

	s.deliver(s.hooks.OnClose)
	s.outbox.Close()
	c.emit(lifecycle.KindEvicted, s.id, nil)
	c.checkSubscriptions()
}
