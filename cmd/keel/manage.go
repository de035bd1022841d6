package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/keel/pkg/web"
	cli "github.com/urfave/cli/v3"
)

var errDeploymentIDRequired = errors.New("a deployment id is required")

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print the journaled state of a deployment",
		ArgsUsage: "<deployment-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return errDeploymentIDRequired
			}

			a, err := newApp(ctx, command, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			state, err := a.deployer.Status(ctx, id)
			if err != nil {
				return err
			}

			return printJSON(command.Root().Writer, state)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List journaled deployments",
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := newApp(ctx, command, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			ids, err := a.deployer.Deployments(ctx)
			if err != nil {
				return err
			}

			summaries := make([]web.DeploymentSummary, 0, len(ids))

			for _, id := range ids {
				state, err := a.deployer.Status(ctx, id)
				if err != nil {
					return err
				}

				summaries = append(summaries, web.NewDeploymentSummary(state))
			}

			return printJSON(command.Root().Writer, summaries)
		},
	}
}

func wipeCommand() *cli.Command {
	return &cli.Command{
		Name:      "wipe",
		Usage:     "Forget the state of a future so the next run executes it again",
		ArgsUsage: "<deployment-id> <future-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, futureID := command.Args().Get(0), command.Args().Get(1)
			if id == "" || futureID == "" {
				return errors.New("a deployment id and a future id are required")
			}

			a, err := newApp(ctx, command, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.deployer.Wipe(ctx, id, futureID); err != nil {
				return err
			}

			_, err = fmt.Fprintf(command.Root().Writer, "wiped %s from %s\n", futureID, id)

			return err
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Delete the journal of a deployment",
		ArgsUsage: "<deployment-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return errDeploymentIDRequired
			}

			a, err := newApp(ctx, command, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.deployer.Reset(ctx, id); err != nil {
				return err
			}

			_, err = fmt.Fprintf(command.Root().Writer, "reset %s\n", id)

			return err
		},
	}
}
