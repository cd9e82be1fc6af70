// Command taskdaemon is the delegate daemon entry point: a cobra root
// with serve/migrate/version subcommands, following the layout the
// example pack's divinesense daemon uses for its own cmd binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/delegate-daemon/internal/capture"
	"github.com/swarmguard/delegate-daemon/internal/collab/defaultimpl"
	"github.com/swarmguard/delegate-daemon/internal/config"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/eventbus"
	"github.com/swarmguard/delegate-daemon/internal/handlers"
	"github.com/swarmguard/delegate-daemon/internal/logging"
	"github.com/swarmguard/delegate-daemon/internal/manager"
	"github.com/swarmguard/delegate-daemon/internal/otelinit"
	"github.com/swarmguard/delegate-daemon/internal/queue"
	"github.com/swarmguard/delegate-daemon/internal/recovery"
	"github.com/swarmguard/delegate-daemon/internal/schedule"
	"github.com/swarmguard/delegate-daemon/internal/store"
	"github.com/swarmguard/delegate-daemon/internal/transport"
	"github.com/swarmguard/delegate-daemon/internal/transport/natsbridge"
	"github.com/swarmguard/delegate-daemon/internal/workerpool"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "taskdaemon",
		Short:         "Delegates code-modification work to concurrent agent subprocesses over JSON-stdio.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, serving requests over JSON-framed stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve()
		},
	}
}

// serve wires every component together and blocks until the process
// receives SIGINT/SIGTERM or stdin is closed by the client. Any error
// here is a startup failure: the daemon exits 1 per spec §6.
func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(cfg.ServiceName)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, cfg.ServiceName)
	defer func() {
		ctxSd, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		otelinit.Flush(ctxSd, shutdownTrace)
		_ = shutdownMetrics(ctxSd)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SpillDir, 0o755); err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger, err := workerpool.OpenHeartbeatLedger(cfg.HeartbeatDB)
	if err != nil {
		return err
	}
	defer ledger.Close()

	tasks := store.NewTaskRepository(db)
	deps := store.NewDependencyRepository(db)
	checkpoints := store.NewCheckpointRepository(db)
	schedules := store.NewScheduleRepository(db)

	bus := eventbus.New(eventbus.DefaultConfig())
	captureStore := capture.New(cfg.SpillDir)

	spawner := defaultimpl.NewExecSpawner(cfg.WorkerCommand, cfg.WorkerArgs...)
	resourceMonitor := defaultimpl.NewProcStatMonitor()
	pool := workerpool.New(cfg.WorkerPool, spawner, captureStore, bus, ledger, resourceMonitor)
	gitReader := defaultimpl.NewGitStateReader()

	taskQueue := queue.New()

	if _, err := handlers.NewDependencyHandler(ctx, bus, deps, tasks, checkpoints, taskQueue); err != nil {
		return err
	}
	handlers.NewWorkerHandler(bus, taskQueue, pool, tasks)
	handlers.NewCheckpointHandler(bus, checkpoints, tasks, captureStore, gitReader)

	mgr := manager.New(bus, tasks, checkpoints, captureStore, manager.Defaults{
		TimeoutMs:       cfg.DefaultTimeoutMs,
		MaxOutputBuffer: cfg.DefaultMaxOutputBuffer,
		Priority:        domain.Priority(cfg.DefaultPriority),
	})

	recoveryMgr := recovery.New(bus, tasks, taskQueue)
	if err := recoveryMgr.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	scheduleEngine := schedule.New(schedules, mgr).WithPollInterval(cfg.SchedulePollInterval)
	go func() {
		if err := scheduleEngine.Run(ctx); err != nil {
			slogError("schedule engine stopped", err)
		}
	}()

	if templatesPath := os.Getenv("DAEMON_SCHEDULE_TEMPLATES"); templatesPath != "" {
		if n, err := schedule.ImportTemplates(ctx, schedules, filepath.Clean(templatesPath)); err != nil {
			slogError("schedule template import failed", err)
		} else {
			fmt.Fprintf(os.Stderr, "imported %d schedule templates\n", n)
		}
	}

	var bridge *natsbridge.Bridge
	if cfg.NATSEnabled {
		bridge, err = natsbridge.Connect(cfg.NATSURL, bus)
		if err != nil {
			return fmt.Errorf("connect nats bridge: %w", err)
		}
		defer bridge.Close()
	}

	server := transport.NewStdioServer(mgr, os.Stdin, os.Stdout)
	return server.Serve(ctx)
}

func slogError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
}
