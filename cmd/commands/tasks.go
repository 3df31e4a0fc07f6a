package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
	"github.com/dohr-michael/deskpilot/internal/gateway/ws"
	"github.com/dohr-michael/deskpilot/internal/storage"
	"github.com/dohr-michael/deskpilot/internal/storage/sqlitedb"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

const requestTimeout = 30 * time.Second

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Submit and control tasks",
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "Queue a new task",
				ArgsUsage: "<description>",
				Flags: []cli.Flag{
					gatewayFlag,
					&cli.StringFlag{Name: "priority", Aliases: []string{"p"}, Usage: "low, medium, high or urgent", Value: "medium"},
					&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Provider name (default: models.default)"},
					&cli.DurationFlag{Name: "in", Usage: "Start no earlier than this delay from now"},
				},
				Action: runTasksSubmit,
			},
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					gatewayFlag,
					&cli.StringSliceFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status (repeatable)"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of tasks", Value: 50},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show a task and its conversation",
				ArgsUsage: "<task_id>",
				Flags:     []cli.Flag{gatewayFlag},
				Action:    runTasksShow,
			},
			{
				Name:      "resume",
				Usage:     "Answer a task that needs help",
				ArgsUsage: "<task_id> [message]",
				Flags:     []cli.Flag{gatewayFlag},
				Action:    runTasksResume,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					gatewayFlag,
					&cli.StringFlag{Name: "reason", Usage: "Reason recorded on the task"},
				},
				Action: runTasksCancel,
			},
			{
				Name:  "prune",
				Usage: "Delete finished tasks with their conversation and event log",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "Only tasks last updated before this age", Value: 30 * 24 * time.Hour},
					&cli.BoolFlag{Name: "dry-run", Usage: "List what would be deleted"},
				},
				Action: runTasksPrune,
			},
		},
		DefaultCommand: "list",
	}
}

// call runs one gateway request with a bounded timeout.
func call(ctx context.Context, cmd *cli.Command, method ws.Method, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Call(ctx, method, params, out)
}

func runTasksSubmit(ctx context.Context, cmd *cli.Command) error {
	description := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(description) == "" {
		return fmt.Errorf("usage: deskpilot tasks submit <description>")
	}

	params := ws.SubmitTaskParams{
		Description: description,
		Priority:    cmd.String("priority"),
		Model:       cmd.String("model"),
	}
	if d := cmd.Duration("in"); d > 0 {
		at := time.Now().Add(d)
		params.ScheduledFor = &at
	}

	var task tasks.Task
	if err := call(ctx, cmd, ws.MethodSubmitTask, params, &task); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	fmt.Printf("Task %s queued (%s).\n", task.ID, task.Priority)
	return nil
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	params := ws.ListTasksParams{
		Statuses: cmd.StringSlice("status"),
		Limit:    cmd.Int("limit"),
	}

	var list []*tasks.Task
	if err := call(ctx, cmd, ws.MethodListTasks, params, &list); err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tUPDATED\tDESCRIPTION")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
			truncate(t.Description, 60),
		)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: deskpilot tasks show <task_id>")
	}

	var view actors.TaskView
	if err := call(ctx, cmd, ws.MethodGetTask, ws.TaskRef{TaskID: taskID}, &view); err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if view.Task == nil {
		return fmt.Errorf("get task: empty response")
	}
	printTask(os.Stdout, &view)
	return nil
}

func runTasksResume(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) == 0 {
		return fmt.Errorf("usage: deskpilot tasks resume <task_id> [message]")
	}

	params := ws.ResumeTaskParams{TaskID: args[0], Message: strings.Join(args[1:], " ")}
	if err := call(ctx, cmd, ws.MethodResumeTask, params, nil); err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	fmt.Printf("Task %s resumed.\n", params.TaskID)
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: deskpilot tasks cancel <task_id>")
	}

	params := ws.CancelTaskParams{TaskID: taskID, Reason: cmd.String("reason")}
	if err := call(ctx, cmd, ws.MethodCancelTask, params, nil); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Printf("Task %s cancelled.\n", taskID)
	return nil
}

// runTasksPrune works on the database directly so it also runs while the
// gateway is down.
func runTasksPrune(ctx context.Context, cmd *cli.Command) error {
	db, err := sqlitedb.Open(config.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	store := tasks.NewSQLStore(db)
	conv := conversation.NewStore(db)
	eventLog := storage.NewEventLogDir(config.EventsPath())

	cutoff := time.Now().Add(-cmd.Duration("older-than"))
	list, err := store.List(ctx, tasks.ListFilter{
		Statuses:      []tasks.Status{tasks.StatusCompleted, tasks.StatusFailed, tasks.StatusCancelled},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	dryRun := cmd.Bool("dry-run")
	for _, t := range list {
		if dryRun {
			fmt.Printf("would delete %s (%s, %s)\n", t.ID, t.Status, t.UpdatedAt.Local().Format("2006-01-02"))
			continue
		}
		if err := pruneTask(ctx, store, conv, eventLog, t.ID); err != nil {
			return err
		}
	}
	if !dryRun {
		fmt.Printf("Deleted %d task(s) last updated before %s.\n", len(list), cutoff.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func pruneTask(ctx context.Context, store tasks.Store, conv *conversation.Store, eventLog *storage.EventLogger, id string) error {
	if err := conv.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete conversation of %s: %w", id, err)
	}
	if err := eventLog.Remove(id); err != nil {
		return fmt.Errorf("delete event log of %s: %w", id, err)
	}
	if err := store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}
