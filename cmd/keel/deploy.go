package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dukex/keel/pkg/engine"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/module"
	cli "github.com/urfave/cli/v3"
)

var errModuleRequired = errors.New("a module file is required")

func deployFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "parameters",
			Aliases: []string{"p"},
			Usage:   "Path to a YAML or JSON parameters file",
		},
		&cli.StringFlag{
			Name:  "deployment-id",
			Usage: "Deployment id; defaults to chain-<chain id>",
		},
		&cli.StringSliceFlag{
			Name:  "force",
			Usage: "Redeploy a completed future even when unchanged (repeatable)",
		},
		&cli.BoolFlag{
			Name:  "force-all",
			Usage: "Redeploy every completed future",
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "Execution strategy (basic, approval)",
			Value: "basic",
		},
		&cli.StringSliceFlag{
			Name:  "approve",
			Usage: "Approve a future held by the approval strategy (repeatable)",
		},
	}
}

func deployCommand() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Aliases:   []string{"d"},
		Usage:     "Deploy a module, resuming the journal of a previous run",
		ArgsUsage: "<module.yaml>",
		Flags:     deployFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := newApp(ctx, command, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			result, err := a.deployOnce(ctx, command)
			if err != nil {
				return err
			}

			if err := printJSON(command.Root().Writer, result); err != nil {
				return err
			}

			if !result.Succeeded() {
				return cli.Exit(fmt.Sprintf("deployment finished with %s", result.Kind), 1)
			}

			return nil
		},
	}
}

// deployOnce loads the module named by the first argument and runs it.
func (a *app) deployOnce(ctx context.Context, command *cli.Command) (*models.DeploymentResult, error) {
	req, err := a.deployRequest(ctx, command)
	if err != nil {
		return nil, err
	}

	return a.deployer.Deploy(ctx, req)
}

func (a *app) deployRequest(ctx context.Context, command *cli.Command) (engine.DeployRequest, error) {
	path := command.Args().First()
	if path == "" {
		return engine.DeployRequest{}, errModuleRequired
	}

	var params module.Parameters

	if paramsPath := command.String("parameters"); paramsPath != "" {
		loaded, err := module.LoadParameters(paramsPath)
		if err != nil {
			return engine.DeployRequest{}, err
		}

		params = loaded
	}

	mod, err := module.Load(path, params)
	if err != nil {
		return engine.DeployRequest{}, err
	}

	deploymentID := command.String("deployment-id")
	if deploymentID == "" {
		chainID, err := a.client.ChainID(ctx)
		if err != nil {
			return engine.DeployRequest{}, fmt.Errorf("failed to read chain id: %w", err)
		}

		deploymentID = defaultDeploymentID(chainID)
	}

	return engine.DeployRequest{
		DeploymentID: deploymentID,
		Futures:      mod.Futures,
		Dependencies: mod.Dependencies,
		Force:        command.StringSlice("force"),
		ForceAll:     command.Bool("force-all"),
		Strategy:     command.String("strategy"),
		Approved:     command.StringSlice("approve"),
	}, nil
}

func defaultDeploymentID(chainID uint64) string {
	return fmt.Sprintf("chain-%d", chainID)
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
