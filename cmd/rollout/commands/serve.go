package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/logger"
)

// ServeCmd hosts the engine as a long-running process
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rollout daemon",
	Long: `Run rollout as a daemon: jobs left unfinished by a previous process are
marked errored, expired locks are reaped every locks.reap_interval_seconds,
and edits to the config file update the lock policy without a restart.

The first Ctrl+C stops live jobs and cleans up their workspaces; a second
one exits immediately.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "How long to wait for live jobs to stop")
}

func runServe(cmd *cobra.Command, args []string) error {
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logger.ComponentLogger("serve")

	if n, err := a.engine.RecoverOrphans(ctx); err != nil {
		log.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		pterm.Warning.Printf("Marked %d interrupted jobs as errored\n", n)
	}

	reapInterval := time.Duration(a.cfg.Locks.ReapIntervalSeconds) * time.Second
	go a.locks.RunReaper(ctx, reapInterval)

	if path := am.ActiveConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path, logger.ComponentLogger("config"))
		if err != nil {
			log.Warnw("Config changes will need a restart", logger.FieldPath, path, logger.FieldError, err)
		} else {
			watcher.OnReload(a.locks.Policy().Apply)
			am.SetGlobalWatcher(watcher)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	pterm.Success.Printf("rollout serving (database %s, caches in %s)\n", a.cfg.Database.Path, a.cfg.Repository.CacheDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		shutdownDone <- a.engine.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("rollout stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}
