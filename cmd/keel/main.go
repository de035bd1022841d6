// Package main provides the keel command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/keel/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "keel",
		Usage:                 "Deploy smart contract modules and resume interrupted deployments",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML, JSON or TOML configuration file",
				Sources: cli.EnvVars("KEEL_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the configuration file",
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			level := command.String("log-level")
			if level == "" {
				level = os.Getenv("KEEL_LOG_LEVEL")
			}

			logger := log.Setup(level)

			return log.NewContext(ctx, logger.With("module", "keel")), nil
		},
		Commands: []*cli.Command{
			deployCommand(),
			watchCommand(),
			statusCommand(),
			listCommand(),
			wipeCommand(),
			resetCommand(),
			serveCommand(),
		},
	}
}
