package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rickgao/streammux/internal/lifecycle"
	"github.com/rickgao/streammux/internal/mailbox"
	"github.com/rickgao/streammux/internal/transport"
)

// Controller owns the connection for one path.
type Controller struct {
	id       uuid.UUID
	path     string
	opts     Options
	dialer   transport.Dialer
	clock    clock.Clock
	observer lifecycle.Observer
	logger   *slog.Logger

	mbox *mailbox.Buffer[any]
	done chan struct{}

	// Everything below is owned by the run loop.
	state     State
	apiURL    string
	negotiate Negotiator
	conn      transport.Conn
	gen       uint64

	negotiateCancel context.CancelFunc

	reconnecting   bool
	reconnectSeq   uint64
	reconnectTimer *clock.Timer

	closeSeq   uint64
	closeTimer *clock.Timer

	subs []*subscriber

	attempts int64
	opens    int64
}

// New creates a controller for path and starts its loop. One leading "/" is
// stripped from path. The connection is not opened until Start.
func New(path string, dialer transport.Dialer, opts Options) *Controller {
	opts = opts.withDefaults()
	path = strings.TrimPrefix(path, "/")

	c := &Controller{
		id:       uuid.New(),
		path:     path,
		opts:     opts,
		dialer:   dialer,
		clock:    opts.Clock,
		observer: opts.Observer,
		mbox:     mailbox.New[any](64),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	c.logger = opts.Logger.With("controller", c.id, "path", path)

	c.emit(lifecycle.KindStarted, uuid.Nil, nil)
	go c.run()

	return c
}

// ID returns the controller's unique ID.
func (c *Controller) ID() uuid.UUID { return c.id }

// Path returns the resolved path.
func (c *Controller) Path() string { return c.path }

// Done is closed once the controller has torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start stores the base URL and negotiator and begins connecting. It is a
// no-op while an attempt is in flight, the connection is open, or the
// reconnect loop is running.
func (c *Controller) Start(ctx context.Context, apiURL string, negotiate Negotiator) error {
	reply := make(chan error, 1)
	if !c.mbox.Post(startCmd{apiURL: apiURL, negotiate: negotiate, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers sub and starts its keepalive schedule.
func (c *Controller) Subscribe(ctx context.Context, sub Subscriber) (Unsubscribe, error) {
	reply := make(chan subscribeReply, 1)
	if !c.mbox.Post(subscribeCmd{sub: sub, reply: reply}) {
		return nil, ErrClosed
	}

	var r subscribeReply
	select {
	case r = <-reply:
	case <-ctx.Done():
		// The command may still be applied; remove it once it is.
		go func() {
			if r := <-reply; r.err == nil {
				c.unsubscribe(r.id)
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(r.id) })
	}, nil
}

// unsubscribe is synchronous: once it returns, the subscriber's timers are
// stopped and no further callbacks are queued for it. It returns early if
// the controller tears down while the command is pending.
func (c *Controller) unsubscribe(id uuid.UUID) {
	reply := make(chan struct{})
	if !c.mbox.Post(unsubscribeCmd{id: id, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
}

// SendMessage forwards data to the open connection. Without one the data is
// dropped. Only ErrClosed and context errors are returned.
func (c *Controller) SendMessage(ctx context.Context, data string) error {
	reply := make(chan error, 1)
	if !c.mbox.Post(sendCmd{data: data, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the controller state.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if !c.mbox.Post(statsCmd{reply: reply}) {
		return Stats{State: StateClosed}, nil
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Close tears the controller down regardless of subscribers. Subscribers are
// dropped without callbacks.
func (c *Controller) Close(ctx context.Context) error {
	reply := make(chan struct{})
	if !c.mbox.Post(closeCmd{reply: reply}) {
		return nil
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	for {
		msg, ok := c.mbox.Receive()
		if !ok {
			return
		}
		if c.state == StateClosed {
			c.reject(msg)
			continue
		}
		c.handle(msg)
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case startCmd:
		c.handleStart(m)
	case subscribeCmd:
		c.handleSubscribe(m)
	case unsubscribeCmd:
		c.handleUnsubscribe(m)
	case sendCmd:
		c.handleSend(m)
	case statsCmd:
		m.reply <- c.stats()
	case closeCmd:
		c.teardown()
		close(m.reply)

	case negotiatedEvent:
		c.handleNegotiated(m)
	case openedEvent:
		c.handleOpened(m)
	case messageEvent:
		c.handleMessage(m)
	case closedEvent:
		c.handleClosed(m)
	case reconnectTick:
		c.handleReconnectTick(m)
	case closeDelayElapsed:
		c.handleCloseDelay(m)
	case keepaliveTick:
		c.handleKeepaliveTick(m)
	case pingTimeout:
		c.handlePingTimeout(m)
	case pongEvent:
		c.handlePong(m)
	default:
		c.logger.Error("unknown controller message", "type", fmt.Sprintf("%T", msg))
	}
}

// reject answers commands that arrive after teardown. Events are dropped.
func (c *Controller) reject(msg any) {
	switch m := msg.(type) {
	case startCmd:
		m.reply <- ErrClosed
	case subscribeCmd:
		m.reply <- subscribeReply{err: ErrClosed}
	case unsubscribeCmd:
		close(m.reply)
	case sendCmd:
		m.reply <- ErrClosed
	case statsCmd:
		m.reply <- c.stats()
	case closeCmd:
		close(m.reply)
	}
}

func (c *Controller) handleStart(m startCmd) {
	c.apiURL = m.apiURL
	c.negotiate = m.negotiate
	if c.state == StateIdle {
		c.connect()
	}
	m.reply <- nil
}

func (c *Controller) handleSubscribe(m subscribeCmd) {
	if m.sub.OnEvent == nil || m.sub.Ping == nil {
		m.reply <- subscribeReply{err: ErrInvalidSubscriber}
		return
	}

	s := newSubscriber(m.sub)
	c.subs = append(c.subs, s)
	c.cancelPendingClose()
	c.armKeepalive(s)

	// A late joiner learns about the already open connection.
	if c.state == StateOpen {
		s.deliver(s.hooks.OnConnect)
	}

	c.emit(lifecycle.KindSubscribed, s.id, nil)
	c.logger.Debug("subscriber added", "subscriber", s.id, "subscribers", len(c.subs))
	m.reply <- subscribeReply{id: s.id}
}

func (c *Controller) handleUnsubscribe(m unsubscribeCmd) {
	if s := c.remove(m.id); s != nil {
		s.outbox.Discard()
		c.emit(lifecycle.KindUnsubscribed, s.id, nil)
		c.logger.Debug("subscriber removed", "subscriber", s.id, "subscribers", len(c.subs))
		c.checkSubscriptions()
	}
	close(m.reply)
}

func (c *Controller) handleSend(m sendCmd) {
	if c.state == StateOpen && c.conn != nil {
		if err := c.conn.Send(m.data); err != nil {
			c.logger.Debug("send failed", "error", err)
		}
	}
	m.reply <- nil
}

func (c *Controller) stats() Stats {
	pending := 0
	for _, s := range c.subs {
		pending += len(s.pending)
	}
	return Stats{
		State:           c.state,
		Subscribers:     len(c.subs),
		PendingPings:    pending,
		Generation:      c.gen,
		ConnectAttempts: c.attempts,
		Opens:           c.opens,
		Reconnecting:    c.reconnecting,
		ClosePending:    c.closeTimer != nil,
	}
}

func (c *Controller) find(id uuid.UUID) *subscriber {
	for _, s := range c.subs {
		if s.id == id {
			return s
		}
	}
	return nil
}

// remove detaches the subscriber and stops its timers.
func (c *Controller) remove(id uuid.UUID) *subscriber {
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			s.stopTimers()
			return s
		}
	}
	return nil
}

func (c *Controller) emit(kind lifecycle.Kind, subscriberID uuid.UUID, err error) {
	c.observer.Observe(lifecycle.Event{
		ID:           uuid.New(),
		ControllerID: c.id,
		Path:         c.path,
		Kind:         kind,
		SubscriberID: subscriberID,
		Err:          err,
		At:           c.clock.Now(),
	})
}
