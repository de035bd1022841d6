package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the deployment API and Prometheus metrics",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on; overrides the configuration file",
				Sources: cli.EnvVars("PORT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := newApp(ctx, command, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			port := a.cfg.API.Port
			if command.IsSet("port") {
				port = int(command.Int("port"))
			}

			app := NewAPI(a.logger, a.deployer, a.registry).App()

			errCh := make(chan error, 1)

			go func() {
				errCh <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
			}()

			a.logger.InfoContext(ctx, "Keel API started", "port", port)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.InfoContext(ctx, "Shutting down Keel API")

			if err := app.ShutdownWithTimeout(a.cfg.API.ShutdownTimeout); err != nil {
				return err
			}

			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}
}
