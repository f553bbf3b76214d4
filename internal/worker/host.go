package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/multierr"

	"github.com/rickgao/streammux/internal/controller"
	"github.com/rickgao/streammux/internal/transport"
)

// Errors
var (
	ErrHostFull   = errors.New("controller limit reached")
	ErrHostClosed = errors.New("host shut down")
)

// Config configures a Host.
type Config struct {
	// MaxControllers caps the number of live controllers. Zero means no limit.
	MaxControllers int

	Controller controller.Options
	Logger     *slog.Logger
}

// Host runs one controller per path. A path keeps its controller for as long
// as the controller is alive, including while it waits out its close delay.
type Host struct {
	dialer transport.Dialer
	cfg    Config
	logger *slog.Logger

	controllers *xsync.Map[string, *controller.Controller]
	live        atomic.Int64
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// NewHost creates a host that dials through dialer.
func NewHost(dialer transport.Dialer, cfg Config) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Controller.Logger == nil {
		cfg.Controller.Logger = logger
	}

	return &Host{
		dialer:      dialer,
		cfg:         cfg,
		logger:      logger.With("component", "worker_host"),
		controllers: xsync.NewMap[string, *controller.Controller](),
	}
}

// Spawn returns the live controller for path, creating it if needed.
func (h *Host) Spawn(path string) (*controller.Controller, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	key := strings.TrimPrefix(path, "/")

	var (
		created *controller.Controller
		full    bool
	)
	actual, _ := h.controllers.Compute(key, func(old *controller.Controller, loaded bool) (*controller.Controller, xsync.ComputeOp) {
		if loaded && !terminated(old) {
			return old, xsync.CancelOp
		}
		if !h.reserve() {
			full = true
			return old, xsync.CancelOp
		}
		created = controller.New(key, h.dialer, h.cfg.Controller)
		return created, xsync.UpdateOp
	})

	if full {
		h.logger.Warn("controller limit reached", "path", key, "max", h.cfg.MaxControllers)
		return nil, fmt.Errorf("spawn %q: %w", key, ErrHostFull)
	}
	if created != nil {
		h.logger.Debug("controller spawned", "path", key, "controller", created.ID())
		h.wg.Add(1)
		go h.forget(key, created)
	}
	return actual, nil
}

func (h *Host) reserve() bool {
	n := h.live.Add(1)
	if limit := int64(h.cfg.MaxControllers); limit > 0 && n > limit {
		h.live.Add(-1)
		return false
	}
	return true
}

// forget drops c from the registry once it has torn down.
func (h *Host) forget(key string, c *controller.Controller) {
	defer h.wg.Done()
	<-c.Done()

	h.controllers.Compute(key, func(old *controller.Controller, loaded bool) (*controller.Controller, xsync.ComputeOp) {
		if loaded && old == c {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	h.live.Add(-1)
	h.logger.Debug("controller terminated", "path", key, "controller", c.ID())
}

// Len returns the number of live controllers.
func (h *Host) Len() int {
	return int(h.live.Load())
}

// Paths returns the paths that currently have a registered controller.
func (h *Host) Paths() []string {
	var paths []string
	h.controllers.Range(func(key string, _ *controller.Controller) bool {
		paths = append(paths, key)
		return true
	})
	return paths
}

// Shutdown closes every controller and waits for them to terminate.
func (h *Host) Shutdown(ctx context.Context) error {
	h.closed.Store(true)

	var all []*controller.Controller
	h.controllers.Range(func(_ string, c *controller.Controller) bool {
		all = append(all, c)
		return true
	})

	var err error
	for _, c := range all {
		if cerr := c.Close(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %q: %w", c.Path(), cerr))
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	h.logger.Info("worker host shut down", "controllers", len(all))
	return err
}

func terminated(c *controller.Controller) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
