package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/streammux/internal/controller"
)

type subscription struct {
	unsubscribe controller.Unsubscribe
	send        SendFunc
}

// Multiplexer tracks which controller serves each resource and which owners
// are subscribed to it.
type Multiplexer[R ~string, O comparable] struct {
	opts      Options[R, O]
	logger    *slog.Logger
	negotiate controller.Negotiator

	mu      sync.Mutex
	remotes map[R]Remote
	subs    map[R]map[O]*subscription
	paths   *registry[R]
}

// New creates a multiplexer. APIURL and Factory are required.
func New[R ~string, O comparable](opts Options[R, O]) (*Multiplexer[R, O], error) {
	if opts.APIURL == nil {
		return nil, errors.New("mux: APIURL is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("mux: Factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Multiplexer[R, O]{
		opts:    opts,
		logger:  logger.With("component", "mux"),
		remotes: make(map[R]Remote),
		subs:    make(map[R]map[O]*subscription),
		paths:   newRegistry[R](),
	}
	if opts.GetProtocols != nil {
		m.negotiate = m.negotiateByPath
	}
	return m, nil
}

// negotiateByPath resolves the resource behind a controller path and asks
// GetProtocols for it.
func (m *Multiplexer[R, O]) negotiateByPath(ctx context.Context, path string) ([]string, error) {
	resource, ok := m.paths.resource(path)
	if !ok {
		m.logger.Error("no resource registered for path", "path", path)
		return nil, nil
	}
	return m.opts.GetProtocols(ctx, resource)
}

// Subscribe attaches owner to resource. Subscribing an already subscribed
// pair returns the existing send function.
func (m *Multiplexer[R, O]) Subscribe(ctx context.Context, owner O, resource R, onEvent func(string), hooks Hooks) (SendFunc, error) {
	if onEvent == nil {
		return nil, controller.ErrInvalidSubscriber
	}

	m.mu.Lock()
	if s := m.subs[resource][owner]; s != nil {
		m.mu.Unlock()
		return s.send, nil
	}

	s, err := m.subscribeLocked(ctx, owner, resource, onEvent, hooks)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.opts.AutoUnsubscribe != nil {
		m.opts.AutoUnsubscribe(owner, func() { m.Unsubscribe(owner, resource) })
	}
	return s.send, nil
}

func (m *Multiplexer[R, O]) subscribeLocked(ctx context.Context, owner O, resource R, onEvent func(string), hooks Hooks) (*subscription, error) {
	s := &subscription{}
	sub := m.wrap(owner, resource, s, onEvent, hooks)

	remote, err := m.ensure(resource)
	if err != nil {
		return nil, err
	}

	unsubscribe, err := m.attach(ctx, remote, sub)
	if errors.Is(err, controller.ErrClosed) {
		// The controller terminated after it was handed out, e.g. a factory
		// reused one whose close delay expired before Start. Ask for a new one.
		m.logger.Debug("controller closed, recreating", "resource", resource)
		m.drop(resource)
		if remote, err = m.ensure(resource); err != nil {
			return nil, err
		}
		unsubscribe, err = m.attach(ctx, remote, sub)
	}
	if err != nil {
		m.checkSubscriptions(resource)
		return nil, fmt.Errorf("subscribe %s: %w", resource, err)
	}

	s.unsubscribe = unsubscribe
	s.send = func(ctx context.Context, msg string) error {
		return remote.SendMessage(ctx, msg)
	}

	owners := m.subs[resource]
	if owners == nil {
		owners = make(map[O]*subscription)
		m.subs[resource] = owners
	}
	owners[owner] = s

	m.logger.Debug("subscribed", "resource", resource, "subscribers", len(owners))
	return s, nil
}

// ensure returns the controller for resource, creating it if needed.
func (m *Multiplexer[R, O]) ensure(resource R) (Remote, error) {
	if remote := m.remotes[resource]; remote != nil {
		return remote, nil
	}

	remote, err := m.opts.Factory(resource)
	if err != nil || remote == nil {
		m.checkSubscriptions(resource)
		m.logger.Error("controller creation failed", "resource", resource, "error", err)
		return nil, &ControllerCreationError{Resource: string(resource), Err: err}
	}

	m.remotes[resource] = remote
	m.paths.record(resource, remote.Path())
	return remote, nil
}

func (m *Multiplexer[R, O]) attach(ctx context.Context, remote Remote, sub controller.Subscriber) (controller.Unsubscribe, error) {
	if err := remote.Start(ctx, m.opts.APIURL(), m.negotiate); err != nil {
		return nil, err
	}
	return remote.Subscribe(ctx, sub)
}

// wrap builds the controller-side callbacks for one subscription.
func (m *Multiplexer[R, O]) wrap(owner O, resource R, s *subscription, onEvent func(string), hooks Hooks) controller.Subscriber {
	ping := hooks.Ping
	if ping == nil {
		ping = func(pong func()) { pong() }
	}

	return controller.Subscriber{
		OnEvent:      onEvent,
		Ping:         ping,
		OnConnect:    hooks.OnConnect,
		OnDisconnect: hooks.OnDisconnect,
		OnClose: func() {
			m.logger.Warn("subscription closed by controller", "resource", resource)

			m.mu.Lock()
			if m.subs[resource][owner] == s {
				delete(m.subs[resource], owner)
				m.checkSubscriptions(resource)
			}
			m.mu.Unlock()

			// Runs unlocked so the owner may resubscribe from it.
			if hooks.OnClose != nil {
				hooks.OnClose()
			}
		},
	}
}

// Unsubscribe detaches owner from each resource. Unknown pairs are ignored.
func (m *Multiplexer[R, O]) Unsubscribe(owner O, resources ...R) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, resource := range resources {
		s := m.subs[resource][owner]
		if s == nil {
			continue
		}
		s.unsubscribe()
		delete(m.subs[resource], owner)
		m.checkSubscriptions(resource)

		m.logger.Debug("unsubscribed", "resource", resource, "subscribers", len(m.subs[resource]))
	}
}

// checkSubscriptions drops the controller and path for resource once no
// owner is subscribed. The controller closes its own transport.
func (m *Multiplexer[R, O]) checkSubscriptions(resource R) {
	if len(m.subs[resource]) > 0 {
		return
	}
	m.drop(resource)
}

func (m *Multiplexer[R, O]) drop(resource R) {
	delete(m.subs, resource)
	delete(m.remotes, resource)
	m.paths.forget(resource)
}

// Subscribed reports whether owner is subscribed to resource.
func (m *Multiplexer[R, O]) Subscribed(owner O, resource R) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[resource][owner] != nil
}

// Resources returns the resources with at least one subscription.
func (m *Multiplexer[R, O]) Resources() []R {
	m.mu.Lock()
	defer m.mu.Unlock()

	resources := make([]R, 0, len(m.remotes))
	for r := range m.remotes {
		resources = append(resources, r)
	}
	return resources
}

// Stats returns a snapshot of the bookkeeping.
func (m *Multiplexer[R, O]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, owners := range m.subs {
		n += len(owners)
	}
	return Stats{
		Resources:     len(m.remotes),
		Subscriptions: n,
		Paths:         m.paths.len(),
	}
}

// Close unsubscribes every owner from every resource.
func (m *Multiplexer[R, O]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for resource, owners := range m.subs {
		for _, s := range owners {
			s.unsubscribe()
		}
		m.drop(resource)
	}
}
