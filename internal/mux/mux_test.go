package mux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/streammux/internal/controller"
	"github.com/rickgao/streammux/internal/transport"
	"github.com/rickgao/streammux/internal/worker"
)

type resource string

type owner struct{ name string }

// fakeRemote records the calls the multiplexer makes.
type fakeRemote struct {
	path string

	mu           sync.Mutex
	starts       []string
	negotiate    controller.Negotiator
	subs         []controller.Subscriber
	unsubscribes int
	sent         []string
	closed       bool
	subscribeErr error
}

func (r *fakeRemote) Path() string { return r.path }

func (r *fakeRemote) Start(_ context.Context, apiURL string, negotiate controller.Negotiator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return controller.ErrClosed
	}
	r.starts = append(r.starts, apiURL)
	r.negotiate = negotiate
	return nil
}

func (r *fakeRemote) Subscribe(_ context.Context, sub controller.Subscriber) (controller.Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, controller.ErrClosed
	}
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	r.subs = append(r.subs, sub)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.unsubscribes++
	}, nil
}

func (r *fakeRemote) SendMessage(_ context.Context, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	return nil
}

func (r *fakeRemote) subscriber(i int) controller.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[i]
}

func (r *fakeRemote) counts() (starts, subs, unsubs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts), len(r.subs), r.unsubscribes
}

// fakeFactory hands out remotes in order and counts calls.
type fakeFactory struct {
	mu      sync.Mutex
	remotes []*fakeRemote
	calls   int
	err     error
}

func (f *fakeFactory) create(res resource) (Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.remotes) == 0 {
		return nil, nil
	}
	r := f.remotes[0]
	f.remotes = f.remotes[1:]
	return r, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMux(t *testing.T, f *fakeFactory, configure func(*Options[resource, *owner])) *Multiplexer[resource, *owner] {
	t.Helper()
	opts := Options[resource, *owner]{
		APIURL:  StaticURL("wss://api.example.com/ws"),
		Factory: f.create,
		Logger:  quietLogger(),
	}
	if configure != nil {
		configure(&opts)
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func nop(string) {}

func TestNew_RequiresAPIURLAndFactory(t *testing.T) {
	if _, err := New(Options[resource, *owner]{Factory: (&fakeFactory{}).create}); err == nil {
		t.Error("New() without APIURL error = nil, want error")
	}
	if _, err := New(Options[resource, *owner]{APIURL: StaticURL("wss://x")}); err == nil {
		t.Error("New() without Factory error = nil, want error")
	}
}

func TestSubscribe_DedupesPerOwner(t *testing.T) {
	remote := &fakeRemote{path: "orders"}
	f := &fakeFactory{remotes: []*fakeRemote{remote}}
	m := newTestMux(t, f, nil)

	ctx := context.Background()
	a, b := &owner{"a"}, &owner{"b"}

	sendA, err := m.Subscribe(ctx, a, "orders", nop, Hooks{})
	if err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	again, err := m.Subscribe(ctx, a, "orders", nop, Hooks{})
	if err != nil {
		t.Fatalf("second Subscribe(a) error = %v", err)
	}
	if again == nil {
		t.Fatal("second Subscribe(a) returned nil send func")
	}
	if _, err := m.Subscribe(ctx, b, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}

	if got := f.callCount(); got != 1 {
		t.Errorf("factory calls = %d, want 1", got)
	}
	starts, subs, _ := remote.counts()
	if subs != 2 {
		t.Errorf("controller subscribes = %d, want 2", subs)
	}
	if starts != 2 {
		t.Errorf("controller starts = %d, want 2", starts)
	}
	if remote.starts[0] != "wss://api.example.com/ws" {
		t.Errorf("start url = %q, want %q", remote.starts[0], "wss://api.example.com/ws")
	}
	if remote.negotiate != nil {
		t.Error("negotiator passed without GetProtocols")
	}

	if err := sendA(ctx, "hello"); err != nil {
		t.Fatalf("send error = %v", err)
	}
	if err := again(ctx, "again"); err != nil {
		t.Fatalf("send error = %v", err)
	}
	if len(remote.sent) != 2 || remote.sent[0] != "hello" || remote.sent[1] != "again" {
		t.Errorf("sent = %v, want [hello again]", remote.sent)
	}

	want := Stats{Resources: 1, Subscriptions: 2, Paths: 1}
	if got := m.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestSubscribe_CreationFailure(t *testing.T) {
	tests := []struct {
		name    string
		factory *fakeFactory
		wantErr error
	}{
		{"nil remote", &fakeFactory{}, nil},
		{"factory error", &fakeFactory{err: worker.ErrHostFull}, worker.ErrHostFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMux(t, tt.factory, nil)

			_, err := m.Subscribe(context.Background(), &owner{"a"}, "orders", nop, Hooks{})

			var cerr *ControllerCreationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Subscribe() error = %v, want *ControllerCreationError", err)
			}
			if cerr.Resource != "orders" {
				t.Errorf("Resource = %q, want %q", cerr.Resource, "orders")
			}
			if !strings.Contains(err.Error(), "orders") {
				t.Errorf("error %q does not name the resource", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want wrapping %v", err, tt.wantErr)
			}
			if got := m.Stats(); got != (Stats{}) {
				t.Errorf("Stats() = %+v, want zero", got)
			}
		})
	}
}

func TestSubscribe_ControllerErrorRollsBack(t *testing.T) {
	remote := &fakeRemote{path: "orders", subscribeErr: controller.ErrInvalidSubscriber}
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{remote}}, nil)

	_, err := m.Subscribe(context.Background(), &owner{"a"}, "orders", nop, Hooks{})
	if !errors.Is(err, controller.ErrInvalidSubscriber) {
		t.Fatalf("Subscribe() error = %v, want %v", err, controller.ErrInvalidSubscriber)
	}
	if got := m.Stats(); got != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", got)
	}
}

func TestSubscribe_RequiresOnEvent(t *testing.T) {
	m := newTestMux(t, &fakeFactory{}, nil)
	if _, err := m.Subscribe(context.Background(), &owner{"a"}, "orders", nil, Hooks{}); !errors.Is(err, controller.ErrInvalidSubscriber) {
		t.Errorf("Subscribe() error = %v, want %v", err, controller.ErrInvalidSubscriber)
	}
}

func TestSubscribe_RecreatesClosedController(t *testing.T) {
	first := &fakeRemote{path: "orders"}
	second := &fakeRemote{path: "orders"}
	f := &fakeFactory{remotes: []*fakeRemote{first, second}}
	m := newTestMux(t, f, nil)

	ctx := context.Background()
	if _, err := m.Subscribe(ctx, &owner{"a"}, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}

	first.mu.Lock()
	first.closed = true
	first.mu.Unlock()

	b := &owner{"b"}
	if _, err := m.Subscribe(ctx, b, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}
	if got := f.callCount(); got != 2 {
		t.Errorf("factory calls = %d, want 2", got)
	}
	if _, subs, _ := second.counts(); subs != 1 {
		t.Errorf("new controller subscribes = %d, want 1", subs)
	}
	if !m.Subscribed(b, "orders") {
		t.Error("Subscribed(b) = false, want true")
	}
}

func TestNegotiator_ResolvesResourceByPath(t *testing.T) {
	remote := &fakeRemote{path: "orders"}
	var asked []resource
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{remote}}, func(o *Options[resource, *owner]) {
		o.GetProtocols = func(_ context.Context, res resource) ([]string, error) {
			asked = append(asked, res)
			return []string{"v1." + string(res)}, nil
		}
	})

	if _, err := m.Subscribe(context.Background(), &owner{"a"}, "/orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if remote.negotiate == nil {
		t.Fatal("controller started without negotiator")
	}

	got, err := remote.negotiate(context.Background(), "orders")
	if err != nil {
		t.Fatalf("negotiate() error = %v", err)
	}
	if len(got) != 1 || got[0] != "v1./orders" {
		t.Errorf("protocols = %v, want [v1./orders]", got)
	}
	if len(asked) != 1 || asked[0] != "/orders" {
		t.Errorf("GetProtocols resources = %v, want [/orders]", asked)
	}

	got, err = remote.negotiate(context.Background(), "unknown")
	if err != nil || got != nil {
		t.Errorf("negotiate(unknown) = %v, %v; want nil, nil", got, err)
	}
}

func TestUnsubscribe(t *testing.T) {
	first := &fakeRemote{path: "orders"}
	second := &fakeRemote{path: "orders"}
	f := &fakeFactory{remotes: []*fakeRemote{first, second}}
	m := newTestMux(t, f, nil)

	ctx := context.Background()
	a, b := &owner{"a"}, &owner{"b"}
	for _, o := range []*owner{a, b} {
		if _, err := m.Subscribe(ctx, o, "orders", nop, Hooks{}); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", o.name, err)
		}
	}

	m.Unsubscribe(a, "orders", "unknown")
	if _, _, unsubs := first.counts(); unsubs != 1 {
		t.Errorf("unsubscribes = %d, want 1", unsubs)
	}
	if got := m.Stats(); got.Resources != 1 || got.Subscriptions != 1 {
		t.Errorf("Stats() = %+v, want one resource with one subscription", got)
	}

	m.Unsubscribe(a, "orders")
	m.Unsubscribe(b, "orders")
	if _, _, unsubs := first.counts(); unsubs != 2 {
		t.Errorf("unsubscribes = %d, want 2", unsubs)
	}
	if got := m.Stats(); got != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", got)
	}

	// The next subscriber asks the factory again.
	if _, err := m.Subscribe(ctx, a, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("resubscribe error = %v", err)
	}
	if got := f.callCount(); got != 2 {
		t.Errorf("factory calls = %d, want 2", got)
	}
}

func TestEviction_RemovesSubscription(t *testing.T) {
	remote := &fakeRemote{path: "orders"}
	second := &fakeRemote{path: "orders"}
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{remote, second}}, nil)

	ctx := context.Background()
	a := &owner{"a"}
	var closed, connected int
	hooks := Hooks{
		OnConnect: func() { connected++ },
		OnClose:   func() { closed++ },
	}
	if _, err := m.Subscribe(ctx, a, "orders", nop, hooks); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	evicted := remote.subscriber(0)
	evicted.OnClose()

	if closed != 1 {
		t.Errorf("OnClose calls = %d, want 1", closed)
	}
	if connected != 0 {
		t.Errorf("OnConnect calls = %d, want 0", connected)
	}
	if m.Subscribed(a, "orders") {
		t.Error("Subscribed() = true after eviction")
	}
	if got := m.Stats(); got != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", got)
	}

	if _, err := m.Subscribe(ctx, a, "orders", nop, hooks); err != nil {
		t.Fatalf("resubscribe error = %v", err)
	}

	// A late close for the old subscription leaves the new one alone.
	evicted.OnClose()
	if !m.Subscribed(a, "orders") {
		t.Error("stale OnClose removed the new subscription")
	}
}

func TestEviction_ResubscribeFromOnClose(t *testing.T) {
	first := &fakeRemote{path: "orders"}
	second := &fakeRemote{path: "orders"}
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{first, second}}, nil)

	ctx := context.Background()
	a := &owner{"a"}
	var resubscribeErr error
	hooks := Hooks{
		OnClose: func() {
			_, resubscribeErr = m.Subscribe(ctx, a, "orders", nop, Hooks{})
		},
	}
	if _, err := m.Subscribe(ctx, a, "orders", nop, hooks); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	first.subscriber(0).OnClose()

	if resubscribeErr != nil {
		t.Fatalf("resubscribe from OnClose error = %v", resubscribeErr)
	}
	if !m.Subscribed(a, "orders") {
		t.Error("Subscribed() = false after resubscribing from OnClose")
	}
	if _, subs, _ := second.counts(); subs != 1 {
		t.Errorf("new controller subscribes = %d, want 1", subs)
	}
	want := Stats{Resources: 1, Subscriptions: 1, Paths: 1}
	if got := m.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestPing_DefaultAnswersImmediately(t *testing.T) {
	remote := &fakeRemote{path: "orders"}
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{remote}}, nil)

	if _, err := m.Subscribe(context.Background(), &owner{"a"}, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ponged := false
	remote.subscriber(0).Ping(func() { ponged = true })
	if !ponged {
		t.Error("default Ping did not call pong")
	}
}

func TestAutoUnsubscribe(t *testing.T) {
	remote := &fakeRemote{path: "orders"}
	finalizers := map[*owner]func(){}
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{remote}}, func(o *Options[resource, *owner]) {
		o.AutoUnsubscribe = func(ow *owner, unsubscribe func()) {
			finalizers[ow] = unsubscribe
		}
	})

	a := &owner{"a"}
	if _, err := m.Subscribe(context.Background(), a, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	finalize, ok := finalizers[a]
	if !ok {
		t.Fatal("AutoUnsubscribe not called")
	}
	finalize()

	if m.Subscribed(a, "orders") {
		t.Error("Subscribed() = true after finalizer ran")
	}
	if _, _, unsubs := remote.counts(); unsubs != 1 {
		t.Errorf("unsubscribes = %d, want 1", unsubs)
	}
}

func TestClose_UnsubscribesAll(t *testing.T) {
	orders := &fakeRemote{path: "orders"}
	trades := &fakeRemote{path: "trades"}
	m := newTestMux(t, &fakeFactory{remotes: []*fakeRemote{orders, trades}}, nil)

	ctx := context.Background()
	a := &owner{"a"}
	if _, err := m.Subscribe(ctx, a, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe(orders) error = %v", err)
	}
	if _, err := m.Subscribe(ctx, a, "trades", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe(trades) error = %v", err)
	}
	if got := len(m.Resources()); got != 2 {
		t.Errorf("Resources() = %d, want 2", got)
	}

	m.Close()

	for _, r := range []*fakeRemote{orders, trades} {
		if _, _, unsubs := r.counts(); unsubs != 1 {
			t.Errorf("%s unsubscribes = %d, want 1", r.path, unsubs)
		}
	}
	if got := m.Stats(); got != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero", got)
	}
}

// Below: the multiplexer driving real controllers on a worker host.

type stubConn struct {
	ev transport.Events

	mu     sync.Mutex
	closed bool
}

func (c *stubConn) Send(string) error { return nil }

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type stubDialer struct {
	opened chan *stubConn
}

func (d *stubDialer) Open(_ string, _ []string, ev transport.Events) transport.Conn {
	c := &stubConn{ev: ev}
	d.opened <- c
	return c
}

func TestMultiplexer_SharesOneConnectionPerResource(t *testing.T) {
	dialer := &stubDialer{opened: make(chan *stubConn, 8)}
	host := worker.NewHost(dialer, worker.Config{
		Controller: controller.Options{Clock: clock.NewMock()},
		Logger:     quietLogger(),
	})
	defer host.Shutdown(context.Background())

	m, err := New(Options[resource, *owner]{
		APIURL:  StaticURL("wss://api.example.com/ws"),
		Factory: SpawnFactory[resource](host.Spawn),
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	a, b := &owner{"a"}, &owner{"b"}
	gotA, gotB := make(chan string, 4), make(chan string, 4)
	if _, err := m.Subscribe(ctx, a, "/orders", func(s string) { gotA <- s }, Hooks{}); err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	if _, err := m.Subscribe(ctx, b, "/orders", func(s string) { gotB <- s }, Hooks{}); err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}

	var conn *stubConn
	select {
	case conn = <-dialer.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport open")
	}
	select {
	case <-dialer.opened:
		t.Fatal("second transport opened for the same resource")
	case <-time.After(50 * time.Millisecond):
	}

	conn.ev.OnOpen()
	conn.ev.OnMessage("fill")
	for name, ch := range map[string]chan string{"a": gotA, "b": gotB} {
		select {
		case msg := <-ch:
			if msg != "fill" {
				t.Errorf("%s got %q, want %q", name, msg, "fill")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s message", name)
		}
	}

	m.Unsubscribe(a, "/orders")
	if conn.isClosed() {
		t.Fatal("transport closed while a subscriber remains")
	}
	m.Unsubscribe(b, "/orders")
	if !conn.isClosed() {
		t.Error("transport still open after last unsubscribe")
	}

	deadline := time.Now().Add(2 * time.Second)
	for host.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("host Len() = %d, want 0", host.Len())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscribe_ReusedControllerExpiresBeforeStart(t *testing.T) {
	mock := clock.NewMock()
	dialer := &stubDialer{opened: make(chan *stubConn, 8)}
	opts := controller.Options{
		Clock:      mock,
		CloseDelay: time.Second,
		Logger:     quietLogger(),
	}

	// The factory reuses the last controller while it waits out its close
	// delay, the way worker.Host does, but lets the delay expire first.
	var (
		reuse bool
		last  *controller.Controller
		all   []*controller.Controller
	)
	factory := func(res resource) (Remote, error) {
		if reuse && last != nil {
			reuse = false
			mock.Add(time.Second)
			select {
			case <-last.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("controller did not tear down after its close delay")
			}
			return last, nil
		}
		last = controller.New(string(res), dialer, opts)
		all = append(all, last)
		return last, nil
	}
	defer func() {
		for _, c := range all {
			c.Close(context.Background())
		}
	}()

	m, err := New(Options[resource, *owner]{
		APIURL:  StaticURL("wss://api.example.com/ws"),
		Factory: factory,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	a := &owner{"a"}
	if _, err := m.Subscribe(ctx, a, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	m.Unsubscribe(a, "orders")

	reuse = true
	if _, err := m.Subscribe(ctx, a, "orders", nop, Hooks{}); err != nil {
		t.Fatalf("resubscribe error = %v", err)
	}
	if !m.Subscribed(a, "orders") {
		t.Error("Subscribed() = false after resubscribe")
	}
	if len(all) != 2 {
		t.Fatalf("controllers created = %d, want 2", len(all))
	}
	select {
	case <-all[1].Done():
		t.Error("replacement controller is already torn down")
	default:
	}
}
