package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/deskpilot/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "deskpilot",
		Usage: "Drive a remote desktop with AI models, one task at a time",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewGatewayCommand(),
			NewTasksCommand(),
			NewScheduleCommand(),
			NewStatusCommand(),
			NewKeygenCommand(),
		},
	}
}
