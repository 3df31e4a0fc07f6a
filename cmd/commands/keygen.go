package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/deskpilot/internal/secrets"
)

// NewKeygenCommand returns the keygen subcommand.
func NewKeygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Create the age key that seals sensitive typed text at rest",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.Secrets.KeyFile

			created, err := secrets.GenerateIdentity(path)
			if err != nil {
				return err
			}
			sealer, err := secrets.LoadSealer(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Created %s\n", path)
			} else {
				fmt.Printf("%s already exists.\n", path)
			}
			fmt.Printf("Public key: %s\n", sealer.Recipient())
			if !cfg.Secrets.SealSensitive {
				fmt.Println(`Set "secrets": {"seal_sensitive": true} in the config to use it.`)
			}
			return nil
		},
	}
}
