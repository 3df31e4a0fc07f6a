package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/heartbeat"
)

// statusMaxAge is how old a heartbeat may be before the gateway counts as stale.
const statusMaxAge = 2 * heartbeat.DefaultInterval

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show deskpilot gateway status",
		Action: func(_ context.Context, _ *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), statusMaxAge)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Gateway: ALIVE (PID %d, %s, uptime %s)\n", hb.PID, hb.Addr, hb.Uptime)
				fmt.Printf("Active tasks: %d\n", hb.Load.ActiveTasks)
				names := make([]string, 0, len(hb.Load.Actors))
				for name := range hb.Load.Actors {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("  %s: %d busy\n", name, hb.Load.Actors[name])
				}
			case heartbeat.StatusStale:
				fmt.Printf("Gateway: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, formatAge(time.Since(hb.Timestamp)))
			case heartbeat.StatusDead:
				fmt.Println("Gateway: NOT RUNNING")
			}
			return nil
		},
	}
}
