package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/keel/pkg/artifacts"
	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/cmd"
	"github.com/dukex/keel/pkg/config"
	"github.com/dukex/keel/pkg/engine"
	"github.com/dukex/keel/pkg/eventbus"
	"github.com/dukex/keel/pkg/log"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/otelhelper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
)

// app holds the services shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	client   chain.Client
	deployer *engine.Deployer
	closers  []func(context.Context) error
}

// newApp loads the configuration and builds the deployer. Commands that only read or edit journals
// pass dial=false and get a deployer without a network connection.
func newApp(ctx context.Context, command *cli.Command, dial bool) (a *app, err error) {
	cfg, err := config.LoadConfig(command.String("config"))
	if err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx)
	if command.String("log-level") == "" {
		logger = log.Setup(cfg.Log.Level).With("module", "keel")
	}

	a = &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Tracing.Enabled {
		_, shutdown, err := otelhelper.NewTracer(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, shutdown)
	}

	store, err := cmd.NewStore(ctx, logger, cfg.Journal.URL)
	if err != nil {
		return nil, err
	}

	a.closers = append(a.closers, store.Close)

	if dial {
		client, err := cmd.NewChainClient(ctx, logger, cfg)
		if err != nil {
			return nil, err
		}

		a.client = client
		a.closers = append(a.closers, func(context.Context) error {
			client.Close()

			return nil
		})
	}

	resolver, err := artifacts.NewFileResolver(cfg.Artifacts.Dir, logger)
	if err != nil {
		return nil, err
	}

	options := []engine.Option{engine.WithMetrics(metrics.New(a.registry))}

	bus, err := cmd.NewEventBus(cfg.EventBus.Provider, cfg.EventBus.Topic, logger)
	if err != nil {
		return nil, err
	}

	if bus != nil {
		a.closers = append(a.closers, func(context.Context) error { return bus.Close() })
		options = append(options, engine.WithObservers(eventbus.NewObserver(bus, logger)))
	}

	engineConfig := engine.Config{
		Execution:           cfg.Execution.Config,
		MaxBatchConcurrency: cfg.Execution.MaxBatchConcurrency,
	}

	a.deployer = engine.NewDeployer(store, a.client, resolver, engineConfig, logger, options...)

	return a, nil
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close(ctx context.Context) {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}

	a.closers = nil

	if err := errors.Join(errs...); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close resources", "error", err)
	}
}
