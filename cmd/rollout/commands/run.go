package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/rollout/engine"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/job"
)

// RunCmd runs a job in this process and streams its output
var RunCmd = &cobra.Command{
	Use:   "run <project> <ref> -- <command>...",
	Short: "Run commands against a checkout of a project",
	Long: `Check out <ref> (a commit SHA, branch or tag) of the project's repository
into a fresh workspace and run the commands there, one per line, stopping at
the first failure. Output is streamed as it is produced.

With --stage the job deploys to that stage and is refused while the stage
holds a hard lock (admins override).

Examples:
  rollout run app master -- 'echo monkey > foo' 'cat foo'
  rollout run app v1.2.0 --stage app/production -c ./deploy.sh
  rollout run app armageddon --timeout 10m -c 'make test'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	RunCmd.Flags().StringArrayP("command", "c", nil, "Command line to run (repeatable)")
	RunCmd.Flags().String("stage", "", "Stage to deploy to, as <project>/<stage> or id")
	RunCmd.Flags().Duration("timeout", 0, "Stop the job after this long (default: engine.default_timeout_seconds)")
}

func runRun(cmd *cobra.Command, args []string) error {
	commands, _ := cmd.Flags().GetStringArray("command")
	commands = append(commands, args[2:]...)
	if len(commands) == 0 {
		return errors.NewInvalidRequestError("no commands given")
	}

	return withApp(func(ctx context.Context, a *app) error {
		caller, err := a.caller(ctx, cmd)
		if err != nil {
			return err
		}
		p, err := a.project(ctx, args[0])
		if err != nil {
			return err
		}
		req := engine.RunRequest{
			ProjectID: p.ID,
			Ref:       args[1],
			Command:   strings.Join(commands, "\n"),
			UserID:    caller.ID,
		}
		if stageRef, _ := cmd.Flags().GetString("stage"); stageRef != "" {
			st, err := a.stage(ctx, stageRef)
			if err != nil {
				return err
			}
			req.StageID = &st.ID
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if timeout == 0 {
			timeout = time.Duration(a.cfg.Engine.DefaultTimeoutSeconds) * time.Second
		}

		// Ctrl+C stops the job; the workspace is still cleaned up
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		id, err := a.service.RequestRun(sigCtx, req)
		if err != nil && id == "" {
			return err
		}
		pterm.Info.Printf("Job %s: %s at %s\n", id, p.Name, req.Ref)

		stream, streamErr := a.service.StreamOutput(ctx, id)
		if streamErr != nil {
			return streamErr
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range stream {
				os.Stdout.Write(chunk)
			}
		}()

		status, waitErr := a.service.WaitWithTimeout(sigCtx, id, timeout)
		<-done
		if err != nil {
			return err
		}
		if waitErr != nil {
			return waitErr
		}
		return reportStatus(ctx, a, id, status)
	})
}

func reportStatus(ctx context.Context, a *app, id string, status job.Status) error {
	j, err := a.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("Job %s %s in %s", id, status, j.Duration().Round(time.Millisecond))
	if status == job.StatusSucceeded {
		pterm.Success.Println(summary)
		return nil
	}
	pterm.Error.Println(summary)
	if j.Error != "" {
		return errors.Newf("job %s: %s", status, j.Error)
	}
	return errors.Newf("job %s", status)
}
