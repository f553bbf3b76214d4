package controller

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rickgao/streammux/internal/lifecycle"
	"github.com/rickgao/streammux/internal/transport"
)

var errEmptyNegotiation = errors.New("negotiator returned no protocols")

// connect begins a new attempt under a fresh generation.
func (c *Controller) connect() {
	c.gen++
	c.state = StateConnecting
	c.attempts++
	c.emit(lifecycle.KindConnecting, uuid.Nil, nil)

	if c.negotiate == nil {
		c.open(c.gen, nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.negotiateCancel = cancel
	gen, path, negotiate := c.gen, c.path, c.negotiate
	go func() {
		protocols, err := negotiate(ctx, path)
		c.mbox.Post(negotiatedEvent{gen: gen, protocols: protocols, err: err})
	}()
}

func (c *Controller) open(gen uint64, protocols []string) {
	url := transport.JoinURL(c.apiURL, c.path)
	c.logger.Debug("opening connection", "url", url, "protocols", protocols, "gen", gen)

	c.conn = c.dialer.Open(url, protocols, transport.Events{
		OnOpen:    func() { c.mbox.Post(openedEvent{gen: gen}) },
		OnMessage: func(data string) { c.mbox.Post(messageEvent{gen: gen, data: data}) },
		OnClose:   func(err error) { c.mbox.Post(closedEvent{gen: gen, err: err}) },
	})
}

func (c *Controller) handleNegotiated(m negotiatedEvent) {
	if m.gen != c.gen || c.state != StateConnecting {
		return
	}
	if c.negotiateCancel != nil {
		c.negotiateCancel()
		c.negotiateCancel = nil
	}

	if m.err == nil && len(m.protocols) > 0 {
		c.open(m.gen, m.protocols)
		return
	}

	err := m.err
	if err == nil {
		err = errEmptyNegotiation
	}
	c.logger.Warn("protocol negotiation failed, will retry", "error", err)
	c.emit(lifecycle.KindNegotiationFailed, uuid.Nil, err)

	if m.err != nil && !c.opts.Retry(m.err) {
		c.giveUp(m.err)
		return
	}
	c.state = StateDisconnected
	c.startReconnect()
}

func (c *Controller) handleOpened(m openedEvent) {
	if m.gen != c.gen || c.conn == nil {
		return
	}
	c.state = StateOpen
	c.opens++
	c.stopReconnect()

	c.logger.Info("connection open", "subscribers", len(c.subs), "attempts", c.attempts)
	c.emit(lifecycle.KindOpened, uuid.Nil, nil)

	for _, s := range c.subs {
		s.deliver(s.hooks.OnConnect)
	}
}

func (c *Controller) handleMessage(m messageEvent) {
	if m.gen != c.gen {
		return
	}
	for _, s := range c.subs {
		s.event(m.data)
	}
}

func (c *Controller) handleClosed(m closedEvent) {
	if m.gen != c.gen || c.conn == nil {
		return
	}
	wasOpen := c.state == StateOpen
	c.conn = nil
	c.state = StateDisconnected

	if wasOpen {
		c.logger.Warn("connection closed", "error", m.err, "subscribers", len(c.subs))
		c.emit(lifecycle.KindClosed, uuid.Nil, m.err)
	} else {
		c.logger.Warn("connection failed", "error", m.err, "attempt", c.attempts)
		c.emit(lifecycle.KindConnectFailed, uuid.Nil, m.err)
	}

	for _, s := range c.subs {
		s.deliver(s.hooks.OnDisconnect)
	}

	if m.err != nil && !c.opts.Retry(m.err) {
		c.giveUp(m.err)
		return
	}
	c.startReconnect()
}

// startReconnect arms the fixed-interval reconnect loop unless it is
// already running.
func (c *Controller) startReconnect() {
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	c.reconnectSeq++
	c.armReconnect()
}

func (c *Controller) armReconnect() {
	seq := c.reconnectSeq
	c.reconnectTimer = c.clock.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mbox.Post(reconnectTick{seq: seq})
	})
}

func (c *Controller) stopReconnect() {
	if !c.reconnecting {
		return
	}
	c.reconnecting = false
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Controller) handleReconnectTick(m reconnectTick) {
	if !c.reconnecting || m.seq != c.reconnectSeq {
		return
	}
	c.armReconnect()

	c.logger.Debug("reconnecting", "attempt", c.attempts+1)
	c.emit(lifecycle.KindReconnecting, uuid.Nil, nil)

	c.dropConn()
	c.connect()
}

// dropConn abandons the current attempt or connection. Its events will no
// longer match the generation.
func (c *Controller) dropConn() {
	if c.negotiateCancel != nil {
		c.negotiateCancel()
		c.negotiateCancel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close stale connection", "error", err)
		}
		c.conn = nil
	}
}

// checkSubscriptions tears the controller down once no subscriber is left,
// debounced by CloseDelay.
func (c *Controller) checkSubscriptions() {
	if len(c.subs) > 0 {
		return
	}
	if c.opts.CloseDelay <= 0 {
		c.teardown()
		return
	}

	c.cancelPendingClose()
	seq := c.closeSeq
	c.closeTimer = c.clock.AfterFunc(c.opts.CloseDelay, func() {
		c.mbox.Post(closeDelayElapsed{seq: seq})
	})
	c.logger.Debug("no subscribers, close scheduled", "delay", c.opts.CloseDelay)
}

func (c *Controller) cancelPendingClose() {
	if c.closeTimer == nil {
		return
	}
	c.closeTimer.Stop()
	c.closeTimer = nil
	c.closeSeq++
}

func (c *Controller) handleCloseDelay(m closeDelayElapsed) {
	if m.seq != c.closeSeq || c.closeTimer == nil {
		return
	}
	c.closeTimer = nil
	if len(c.subs) == 0 {
		c.teardown()
	}
}

// giveUp closes every subscriber with OnClose and tears down.
func (c *Controller) giveUp(err error) {
	c.logger.Error("giving up on connection", "error", err, "subscribers", len(c.subs))
	c.emit(lifecycle.KindGaveUp, uuid.Nil, err)

	subs := c.subs
	c.subs = nil
	for _, s := range subs {
		s.stopTimers()
		s.deliver(s.hooks.OnClose)
		s.outbox.Close()
		c.emit(lifecycle.KindEvicted, s.id, err)
	}
	c.teardown()
}

// teardown ends the controller. Safe to call once the state is terminal.
func (c *Controller) teardown() {
	if c.state == StateClosed {
		return
	}
	c.stopReconnect()
	c.cancelPendingClose()

	wasOpen := c.state == StateOpen
	c.dropConn()

	for _, s := range c.subs {
		s.stopTimers()
		s.outbox.Discard()
		c.emit(lifecycle.KindUnsubscribed, s.id, nil)
	}
	c.subs = nil

	c.state = StateClosed
	c.gen++

	if wasOpen {
		c.emit(lifecycle.KindClosed, uuid.Nil, nil)
	}
	c.emit(lifecycle.KindTornDown, uuid.Nil, nil)
	c.logger.Info("controller torn down", "attempts", c.attempts, "opens", c.opens)

	close(c.done)
	c.mbox.Close()
}
