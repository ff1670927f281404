package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360/reactor/config"
	"github.com/c360/reactor/health"
	"github.com/c360/reactor/metric"
	"github.com/c360/reactor/natsclient"
	"github.com/c360/reactor/network"
	"github.com/c360/reactor/pkg/retry"
	"github.com/c360/reactor/plant"
	"github.com/c360/reactor/scheduler"
	"github.com/c360/reactor/stats"
	"github.com/c360/reactor/statsstore"
)

const pruneInterval = 10 * time.Minute

// node owns every long-lived component of a running process.
type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	core     *metric.Metrics
	monitor  *health.Monitor

	pool     *scheduler.Pool
	plant    *plant.PowerPlant
	network  *network.Controller
	recorder *stats.Recorder
	store    *statsstore.Store
	nats     *natsclient.Client
	server   *metric.Server
}

func runNode(cmd *cobra.Command, cli *CLIConfig) error {
	loader, cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	lvl, _ := parseLevel(cfg.Node.LogLevel)
	level.Set(lvl)
	logger := setupLogger(os.Stdout, cfg.Node.LogFormat, level).With("node", cfg.Node.Name)
	slog.SetDefault(logger)

	logger.Info("Starting reactor node",
		"build_time", BuildTime,
		"config_layers", loader.Layers())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return n.run(ctx, loader, level, cli)
}

// newNode builds and wires the components without starting them.
func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (n *node, err error) {
	registry := metric.NewMetricsRegistry()
	n = &node{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		core:     registry.CoreMetrics(),
		monitor:  health.NewMonitor(),
	}
	defer func() {
		if err != nil {
			n.closeResources(5 * time.Second)
		}
	}()

	n.pool, err = scheduler.NewPool(scheduler.Config{Workers: cfg.Scheduler.Workers}, scheduler.Deps{
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	n.plant, err = plant.New(plant.Deps{Submitter: n.pool, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("create power plant: %w", err)
	}

	if cfg.NATS.Enabled {
		n.nats, err = newNATSClient(cfg, logger, registry)
		if err != nil {
			return nil, fmt.Errorf("create NATS client: %w", err)
		}
	}

	var sinks []stats.Sink
	if cfg.Stats.Database != "" {
		n.store, err = statsstore.Open(ctx, cfg.Stats.Database, statsstore.Options{
			Retention: cfg.Stats.Retention.D(),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open stats database: %w", err)
		}
		sinks = append(sinks, n.store)
	}
	if cfg.Stats.PublishNATS && n.nats != nil {
		sinks = append(sinks, stats.NewNATSSink(n.nats, cfg.Node.Name))
	}

	n.recorder, err = stats.NewRecorder(stats.Config{
		Node:      cfg.Node.Name,
		Recent:    cfg.Stats.Recent,
		Workers:   cfg.Stats.Workers,
		QueueSize: cfg.Stats.QueueSize,
	}, stats.Deps{
		Logger:          logger,
		MetricsRegistry: registry,
		Sinks:           sinks,
	})
	if err != nil {
		return nil, fmt.Errorf("create stats recorder: %w", err)
	}
	n.pool.AddObserver(n.recorder.Observe)

	n.network, err = network.NewController(cfg.ToNetwork(), network.Deps{
		Submitter:       n.pool,
		Notifier:        n.plant,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create network controller: %w", err)
	}

	if n.nats != nil {
		bindPeerEvents(n.plant, n.nats, cfg.Node.Name)
	}
	if cfg.Heartbeat.Enabled {
		bindHeartbeat(n.network, logger)
	}

	n.monitor.Track("scheduler", n.pool)
	n.monitor.Track("network", n.network)
	n.monitor.Track("stats", n.recorder)
	if n.nats != nil {
		n.monitor.Track("nats", n.nats)
	}

	if cfg.Metrics.Enabled {
		n.server = metric.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, registry, n.monitor)
	}
	return n, nil
}

func newNATSClient(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Node.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(registry),
	}
	if wait := cfg.NATS.ReconnectWait.D(); wait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(wait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	return natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
}

// start connects NATS and starts the components in dependency order.
func (n *node) start(ctx context.Context) error {
	if n.nats != nil {
		err := retry.Do(ctx, retry.Dial(), func() error { return n.nats.Connect(ctx) })
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		n.core.RecordComponentStatus("nats", metric.StatusRunning)
	}

	steps := []struct {
		name  string
		start func(context.Context) error
	}{
		{"stats", n.recorder.Start},
		{"scheduler", n.pool.Start},
		{"network", n.network.Start},
	}
	for _, s := range steps {
		n.core.RecordComponentStatus(s.name, metric.StatusStarting)
		if err := s.start(ctx); err != nil {
			n.core.RecordComponentStatus(s.name, metric.StatusFailed)
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		n.core.RecordComponentStatus(s.name, metric.StatusRunning)
	}

	n.logger.Info("Reactor node started",
		"tcp_port", n.network.TCPPort(),
		"udp_port", n.network.UDPPort(),
		"workers", n.pool.Stats().Workers)
	return nil
}

// run starts the node and blocks until ctx is cancelled or a background
// component fails, then shuts everything down.
func (n *node) run(ctx context.Context, loader *config.Loader, level *slog.LevelVar, cli *CLIConfig) error {
	// Components outlive the signal so they can drain during shutdown.
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	if err := n.start(life); err != nil {
		if stopErr := n.shutdown(cli.ShutdownTimeout); stopErr != nil {
			n.logger.Error("Shutdown after failed start", "error", stopErr)
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var watcher *config.Watcher
	if len(loader.Layers()) > 0 {
		w, err := config.NewWatcher(loader, config.NewSafeConfig(n.cfg), config.WatcherDeps{
			Logger:  n.logger,
			Metrics: n.core,
		})
		if err != nil {
			return stderrors.Join(err, n.shutdown(cli.ShutdownTimeout))
		}
		updates := w.Subscribe()
		if err := w.Start(gctx); err != nil {
			return stderrors.Join(err, n.shutdown(cli.ShutdownTimeout))
		}
		watcher = w
		g.Go(func() error {
			for cfg := range updates {
				n.applyReload(cfg, level, cli)
			}
			return nil
		})
	}

	if n.server != nil {
		g.Go(n.server.Start)
		n.logger.Info("Serving metrics", "address", n.cfg.Metrics.Address, "path", n.cfg.Metrics.Path)
	}
	if n.store != nil {
		g.Go(func() error {
			n.store.RunPruner(gctx, pruneInterval)
			return nil
		})
	}
	if hb := n.cfg.Heartbeat; hb.Enabled {
		g.Go(func() error {
			return runHeartbeat(gctx, n.cfg.Node.Name, hb.Interval.D(), networkSender(n.network, hb.Reliable), n.logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		n.logger.Info("Shutting down", "timeout", cli.ShutdownTimeout)
		var errs []error
		if watcher != nil {
			errs = append(errs, watcher.Stop())
		}
		errs = append(errs, n.shutdown(cli.ShutdownTimeout))
		return stderrors.Join(errs...)
	})

	err := g.Wait()
	if err != nil {
		return fmt.Errorf("run node: %w", err)
	}
	n.logger.Info("Reactor node stopped")
	return nil
}

// applyReload applies what can change without a restart.
func (n *node) applyReload(cfg *config.Config, level *slog.LevelVar, cli *CLIConfig) {
	if cli.LogLevel == "" {
		if lvl, ok := parseLevel(cfg.Node.LogLevel); ok && lvl != level.Level() {
			level.Set(lvl)
			n.logger.Info("Log level changed", "level", lvl.String())
		}
	}
	if !slices.Equal(cfg.Network.Peers, n.cfg.Network.Peers) {
		for _, addr := range cfg.Network.Peers {
			if slices.Contains(n.cfg.Network.Peers, addr) {
				continue
			}
			go func() {
				if _, err := n.network.Connect(context.Background(), addr); err != nil {
					n.logger.Warn("Static peer unreachable", "address", addr, "error", err)
				}
			}()
		}
		n.cfg.Network.Peers = append([]string(nil), cfg.Network.Peers...)
	}
}

// shutdown stops the components in reverse dependency order so that
// in-flight tasks finish and their statistics reach the sinks.
func (n *node) shutdown(timeout time.Duration) error {
	var errs []error

	for _, s := range []struct {
		name string
		stop func(time.Duration) error
	}{
		{"network", n.network.Stop},
		{"scheduler", n.pool.Stop},
		{"stats", n.recorder.Stop},
	} {
		n.core.RecordComponentStatus(s.name, metric.StatusStopping)
		if err := s.stop(timeout); err != nil {
			n.core.RecordComponentStatus(s.name, metric.StatusFailed)
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
			continue
		}
		n.core.RecordComponentStatus(s.name, metric.StatusStopped)
	}

	if err := n.closeResources(timeout); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// closeResources releases the database, the NATS connection and the
// metrics listener.
func (n *node) closeResources(timeout time.Duration) error {
	var errs []error
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stats database: %w", err))
		}
	}
	if n.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := n.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
		cancel()
		n.core.RecordComponentStatus("nats", metric.StatusStopped)
	}
	if n.server != nil {
		if err := n.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
