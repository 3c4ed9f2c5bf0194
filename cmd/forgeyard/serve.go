package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forgeyard/internal/assistant"
	"forgeyard/internal/authn"
	"forgeyard/internal/bus"
	"forgeyard/internal/config"
	"forgeyard/internal/janitor"
	"forgeyard/internal/jobs"
	"forgeyard/internal/registry"
	"forgeyard/internal/token"
	"forgeyard/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, broker, and janitor until signalled to stop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The HTTP transport that would consume these three is external to
	// this process; constructing them here still buys fail-fast startup
	// validation (e.g. a missing token secret) ahead of the dispatch loop.
	_ = authn.New(cfg.PasswdPath, cfg.ShadowPath)
	_ = assistant.NewLocator()

	if _, err := token.New(cfg.Token.Secret, cfg.Token.Lifetime()); err != nil {
		return fmt.Errorf("serve: token issuer: %w", err)
	}

	notifyBus, err := bus.New(cfg.NotificationBus.EmbeddedPort)
	if err != nil {
		return fmt.Errorf("serve: notification bus: %w", err)
	}
	defer notifyBus.Close()

	reg, err := registry.Open(registry.Params{
		DatabasePath: cfg.Registry.DatabasePath,
		ReposRoot:    cfg.Workspace.ReposRoot,
		IndexerCmd:   cfg.Registry.IndexerCommand,
	})
	if err != nil {
		return fmt.Errorf("serve: registry: %w", err)
	}
	defer reg.Close()

	workspaces := workspace.NewManager(cfg.Workspace.WorkspaceRoot)
	store := jobs.NewStore(cfg.Workspace.WorkspaceRoot)
	broker := jobs.NewBroker(store, notifyBus)
	executor := jobs.NewExecutor(store, broker, cfg.Scheduler.CancelGrace())

	scheduler := jobs.NewScheduler(store, workspaces, executor, broker, notifyBus, reg, jobs.SchedulerParams{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		DefaultTimeout: cfg.Scheduler.JobTimeoutDefault(),
		CancelGrace:    cfg.Scheduler.CancelGrace(),
		DrainWindow:    cfg.Scheduler.ShutdownDrain(),
		CLICommand:     cfg.Scheduler.AssistantCliCommand,
	})

	reg.SetJobChecker(scheduler)

	if err := scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("serve: scheduler recovery: %w", err)
	}

	sweep := janitor.New(janitor.Config{
		Interval:        cfg.Janitor.Interval(),
		CronSchedule:    cfg.Janitor.CronSchedule,
		JobsRoot:        cfg.Workspace.WorkspaceRoot,
		UploadRetention: cfg.Janitor.UploadRetention(),
	}, scheduler)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if err := sweep.Start(ctx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("serve: janitor: %w", err)
	}

	fmt.Fprintln(os.Stderr, "forgeyard: serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Fprintln(os.Stderr, "forgeyard: received shutdown signal, draining")

	sweep.Stop()
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownDrain()+5*time.Second)
	defer drainCancel()
	scheduler.Shutdown(drainCtx)

	wg.Wait()
	fmt.Fprintln(os.Stderr, "forgeyard: stopped")
	return nil
}
