package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dukex/keel/pkg/engine"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"
)

func watchCommand() *cli.Command {
	flags := append(deployFlags(), &cli.StringFlag{
		Name:  "schedule",
		Usage: "Cron expression for reruns, e.g. \"*/5 * * * *\" or \"@every 1m\"",
		Value: "@every 1m",
	})

	return &cli.Command{
		Name:      "watch",
		Usage:     "Rerun a deployment on a schedule, picking up module edits and approvals",
		ArgsUsage: "<module.yaml>",
		Flags:     flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			schedule := command.String("schedule")
			if _, err := cron.ParseStandard(schedule); err != nil {
				return fmt.Errorf("invalid cron expression '%s': %w", schedule, err)
			}

			a, err := newApp(ctx, command, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			// A run still in progress makes the next tick a no-op.
			c := cron.New(cron.WithChain(
				cron.SkipIfStillRunning(cron.DefaultLogger),
				cron.Recover(cron.DefaultLogger),
			))

			w := &watcher{
				deployer: a.deployer,
				logger:   a.logger,
				request: func(ctx context.Context) (engine.DeployRequest, error) {
					return a.deployRequest(ctx, command)
				},
			}

			if _, err := c.AddFunc(schedule, func() { w.run(ctx) }); err != nil {
				return fmt.Errorf("failed to schedule deployment: %w", err)
			}

			w.run(ctx)

			c.Start()
			a.logger.InfoContext(ctx, "Watching deployment", "schedule", schedule)

			<-ctx.Done()
			<-c.Stop().Done()

			a.logger.InfoContext(ctx, "Stopped watching deployment")

			return nil
		},
	}
}

// watcher reruns one deployment. --force and --force-all only apply to the first run so later runs
// can settle.
type watcher struct {
	deployer *engine.Deployer
	logger   *slog.Logger
	request  func(ctx context.Context) (engine.DeployRequest, error)
	ran      atomic.Bool
}

func (w *watcher) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	req, err := w.request(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Scheduled deployment failed", "error", err)

		return
	}

	if w.ran.Swap(true) {
		req.Force = nil
		req.ForceAll = false
	}

	result, err := w.deployer.Deploy(ctx, req)
	if err != nil {
		w.logger.ErrorContext(ctx, "Scheduled deployment failed", "error", err)

		return
	}

	w.logger.InfoContext(ctx, "Scheduled deployment finished", "result", result.Kind)
}
