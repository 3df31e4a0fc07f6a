package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	einocallbacks "github.com/cloudwego/eino/callbacks"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/deskpilot/internal/actions"
	"github.com/dohr-michael/deskpilot/internal/actors"
	"github.com/dohr-michael/deskpilot/internal/callbacks"
	"github.com/dohr-michael/deskpilot/internal/config"
	"github.com/dohr-michael/deskpilot/internal/conversation"
	"github.com/dohr-michael/deskpilot/internal/events"
	"github.com/dohr-michael/deskpilot/internal/gateway"
	"github.com/dohr-michael/deskpilot/internal/heartbeat"
	"github.com/dohr-michael/deskpilot/internal/models"
	"github.com/dohr-michael/deskpilot/internal/registry"
	"github.com/dohr-michael/deskpilot/internal/scheduler"
	"github.com/dohr-michael/deskpilot/internal/secrets"
	"github.com/dohr-michael/deskpilot/internal/storage"
	"github.com/dohr-michael/deskpilot/internal/storage/sqlitedb"
	"github.com/dohr-michael/deskpilot/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Run the task service and its control API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runGateway,
	}
}

func runGateway(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if len(cfg.Models.Providers) == 0 {
		return fmt.Errorf("no model providers configured in %s", cmd.String("config"))
	}

	if err := os.MkdirAll(config.DataPath(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlitedb.Open(config.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	taskStore := tasks.NewSQLStore(db)
	if _, err := tasks.RecoverTasks(ctx, taskStore); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLog := storage.NewEventLogger(config.EventsPath(), bus)
	defer eventLog.Close()
	costs := storage.NewCostTracker(bus, taskStore)
	defer costs.Close()
	einocallbacks.AppendGlobalHandlers(callbacks.NewEventBusHandler(bus))

	modelRegistry := models.NewRegistry(cfg.Models)

	conv, err := newConversationStore(cfg, modelRegistry, db)
	if err != nil {
		return err
	}

	runner := tasks.NewRunner(tasks.RunnerConfig{
		Store:        taskStore,
		Conversation: conv,
		Executor:     actions.NewClient(cfg.Executor.BaseURL, cfg.Executor.Timeout.Duration()),
		Bus:          bus,
		Loop:         cfg.Loop,
	})

	active := registry.New()
	pool := actors.NewActorPool(actors.ActorPoolConfig{
		Providers:    cfg.Models.Providers,
		Store:        taskStore,
		Conversation: conv,
		Registry:     active,
		Runner:       runner,
		Models:       actors.NewModelProviders(modelRegistry),
		Bus:          bus,
	})
	runner.SetCreator(pool)

	sched, err := scheduler.New(scheduler.Config{
		Schedules: cfg.Schedules,
		Submitter: pool,
		Bus:       bus,
	})
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	server := gateway.NewServer(gateway.Config{
		Bus:      bus,
		Tasks:    pool,
		EventLog: eventLog,
		Health: func() map[string]any {
			return map[string]any{
				"active_tasks": len(active.ListActive()),
				"models":       modelRegistry.Names(),
			}
		},
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
	})

	beat := heartbeat.NewWriter(config.HeartbeatPath(), addr, func() heartbeat.Load {
		load := heartbeat.Load{ActiveTasks: len(active.ListActive()), Actors: map[string]int{}}
		for _, a := range pool.Actors() {
			if a.Status == actors.ActorBusy {
				load.Actors[a.ProviderName]++
			}
		}
		return load
	})

	pool.Start()
	defer pool.Stop()
	sched.Start()
	defer sched.Stop()
	beat.Start()
	defer beat.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newConversationStore builds the conversation store with compaction sized to
// the default model and optional sealing of sensitive input.
func newConversationStore(cfg *config.Config, reg *models.Registry, db *sql.DB) (*conversation.Store, error) {
	opts := []conversation.Option{
		conversation.WithPolicy(conversation.Policy{
			MaxMessages:   cfg.Conversation.MaxMessages,
			ContextWindow: reg.ContextWindow(reg.DefaultName()),
			Threshold:     cfg.Conversation.Threshold,
			PreserveRatio: cfg.Conversation.PreserveRatio,
			CharsPerToken: cfg.Conversation.CharsPerToken,
		}),
		conversation.WithSummarizer(func(ctx context.Context, prompt string) (string, error) {
			adapter, err := reg.Default(ctx)
			if err != nil {
				return "", err
			}
			return adapter.Summarize(ctx, prompt)
		}),
	}

	if cfg.Secrets.SealSensitive {
		sealer, err := secrets.LoadSealer(cfg.Secrets.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load sealer: %w", err)
		}
		opts = append(opts, conversation.WithSealer(sealer))
		slog.Info("sealing sensitive input", "recipient", sealer.Recipient())
	}
	return conversation.NewStore(db, opts...), nil
}
