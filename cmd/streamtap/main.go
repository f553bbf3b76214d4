// Command streamtap subscribes to the configured stream resources over
// shared WebSocket connections and logs their traffic.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/streammux/internal/auth"
	"github.com/rickgao/streammux/internal/config"
	"github.com/rickgao/streammux/internal/database"
	"github.com/rickgao/streammux/internal/journal"
	"github.com/rickgao/streammux/internal/lifecycle"
	"github.com/rickgao/streammux/internal/metrics"
	"github.com/rickgao/streammux/internal/mux"
	"github.com/rickgao/streammux/internal/negotiate"
	"github.com/rickgao/streammux/internal/transport"
	"github.com/rickgao/streammux/internal/version"
	"github.com/rickgao/streammux/internal/worker"
)

// owner identifies this process's single logical listener.
const owner = "streamtap"

func main() {
	configPath := flag.String("config", "configs/streamtap.local.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("streamtap failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	info := version.Get()
	logger.Info("starting streamtap",
		"version", info.Version,
		"commit", info.Commit,
		"config", configPath,
	)

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.API.WSURL,
		"resources", len(cfg.Resources),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var creds *auth.Credentials
	if cfg.API.KeyID != "" {
		creds, err = auth.LoadCredentials(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}

	dialerCfg := cfg.Transport.DialerConfig()
	if creds != nil {
		dialerCfg.Header = creds.HandshakeHeader()
	}
	dialer := transport.NewWebSocketDialer(dialerCfg, logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, "streammux")

	var writer *journal.Writer
	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.Journal)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		writer = journal.NewWriter(journal.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
	}

	ctrlOpts := cfg.Controller.ControllerOptions()
	ctrlOpts.Logger = logger
	if writer != nil {
		ctrlOpts.Observer = lifecycle.Tee(collector, writer)
	} else {
		ctrlOpts.Observer = collector
	}

	host := worker.NewHost(dialer, worker.Config{
		MaxControllers: cfg.Controller.MaxControllers,
		Controller:     ctrlOpts,
		Logger:         logger,
	})

	m, err := mux.New(mux.Options[string, string]{
		APIURL:       mux.StaticURL(cfg.API.WSURL),
		Factory:      mux.SpawnFactory[string](host.Spawn),
		GetProtocols: protocolSource(cfg, creds, logger),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create multiplexer: %w", err)
	}
	metrics.RegisterMux(reg, "streammux", m)

	for _, r := range cfg.Resources {
		name := r.Name
		rlog := logger.With("resource", name)
		_, err := m.Subscribe(ctx, owner, name,
			func(data string) { rlog.Info("event", "data", data) },
			mux.Hooks{
				OnConnect:    func() { rlog.Info("connected") },
				OnDisconnect: func() { rlog.Warn("disconnected") },
				OnClose:      func() { rlog.Error("subscription closed") },
			},
		)
		if err != nil {
			m.Close()
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHandler(cfg.Metrics.Path, reg, m, host),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m.Close()
		err := host.Shutdown(shutdownCtx)
		if writer != nil {
			err = multierr.Append(err, writer.Stop(shutdownCtx))
		}
		return multierr.Append(err, server.Shutdown(shutdownCtx))
	})

	logger.Info("streamtap running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("streamtap stopped")
	return nil
}

// protocolSource prefers protocols listed in the config and falls back to the
// negotiation endpoint when one is configured.
func protocolSource(cfg *config.Config, creds *auth.Credentials, logger *slog.Logger) mux.ProtocolSource[string] {
	static := cfg.StaticProtocols()

	var client *negotiate.Client
	if cfg.API.NegotiateURL != "" {
		opts := []negotiate.Option{
			negotiate.WithLogger(logger),
			negotiate.WithTimeout(cfg.API.Timeout),
			negotiate.WithRetries(cfg.API.MaxRetries, 500*time.Millisecond),
		}
		if creds != nil {
			opts = append(opts, negotiate.WithSigner(creds))
		}
		client = negotiate.NewClient(cfg.API.NegotiateURL, opts...)
	}

	if len(static) == 0 && client == nil {
		return nil
	}
	return func(ctx context.Context, resource string) ([]string, error) {
		if p, ok := static[resource]; ok {
			return p, nil
		}
		if client == nil {
			return nil, nil
		}
		return client.Protocols(ctx, resource)
	}
}

type statser interface {
	Stats() mux.Stats
}

type pathLister interface {
	Paths() []string
}

func newHandler(metricsPath string, reg *prometheus.Registry, m statser, host pathLister) http.Handler {
	mx := http.NewServeMux()

	mx.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mx.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := m.Stats()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"mux": map[string]int{
					"resources":     stats.Resources,
					"subscriptions": stats.Subscriptions,
				},
				"controllers": host.Paths(),
			},
		}
		if stats.Resources == 0 {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	return mx
}
