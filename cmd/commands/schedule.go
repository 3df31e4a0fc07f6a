package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/scheduler"
	"github.com/dohr-michael/deskpilot/internal/storage"
)

const historySize = 20

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "View configured schedules and trigger history",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List schedules with their next cron run",
				Action: runScheduleList,
			},
			{
				Name:   "history",
				Usage:  "Show recent schedule triggers",
				Action: runScheduleHistory,
			},
		},
		DefaultCommand: "list",
	}
}

func runScheduleList(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Config{Schedules: cfg.Schedules})
	if err != nil {
		return fmt.Errorf("invalid schedules: %w", err)
	}

	entries := sched.Entries()
	if len(entries) == 0 {
		fmt.Println("No schedules configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRIGGER\tPRIORITY\tNEXT RUN\tDESCRIPTION")
	for _, e := range entries {
		trigger, next := e.Cron, "-"
		if e.NextRun != nil {
			next = e.NextRun.Local().Format("2006-01-02 15:04")
		}
		if e.OnEvent != nil {
			trigger = "on " + e.OnEvent.Event
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, trigger, e.Priority, next, truncate(e.Description, 50))
	}
	return w.Flush()
}

func runScheduleHistory(_ context.Context, _ *cli.Command) error {
	logs := storage.NewEventLogDir(config.EventsPath())
	ids, err := logs.TaskIDs()
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	var triggers []events.Event
	for _, id := range ids {
		list, err := logs.Load(id)
		if err != nil {
			return fmt.Errorf("read history of %s: %w", id, err)
		}
		for _, e := range list {
			if e.Type == events.EventScheduleTrigger {
				triggers = append(triggers, e)
			}
		}
	}
	if len(triggers) == 0 {
		fmt.Println("No trigger history found.")
		return nil
	}

	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Timestamp.Before(triggers[j].Timestamp) })
	if len(triggers) > historySize {
		triggers = triggers[len(triggers)-historySize:]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSCHEDULE\tTRIGGER\tTASK")
	for _, e := range triggers {
		p, ok := events.ExtractPayload[events.ScheduleTriggerPayload](e)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(timeLayout), p.Name, p.Trigger, e.TaskID)
	}
	return w.Flush()
}
