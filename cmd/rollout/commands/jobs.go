package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/job"
)

// JobsCmd groups job inspection commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs",
	Long: `Inspect jobs and their output.

Examples:
  rollout jobs ls --status running
  rollout jobs status <job-id>
  rollout jobs logs <job-id> --follow
  rollout jobs stop <job-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's output",
	Long:  "Print a job's output. With --follow, keep printing until the job finishes.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Cancel a pending job",
	Long: `Cancel a job. Jobs that have not started yet are marked cancelled; a job
running under 'rollout serve' or 'rollout run' must be stopped by that process.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsStop,
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, succeeded, failed, errored, cancelled)")
	jobsLsCmd.Flags().String("project", "", "Filter by project name or id")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().BoolP("follow", "f", false, "Wait for new output until the job finishes")
	jobsLogsCmd.Flags().Duration("interval", 500*time.Millisecond, "Polling interval for --follow")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsLogsCmd)
	JobsCmd.AddCommand(jobsStopCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	projectRef, _ := cmd.Flags().GetString("project")
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(func(ctx context.Context, a *app) error {
		if statusFilter != "" && !job.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown status %q", statusFilter)
		}
		filter := job.Filter{Status: job.Status(statusFilter), Limit: limit}
		if projectRef != "" {
			p, err := a.project(ctx, projectRef)
			if err != nil {
				return err
			}
			filter.ProjectID = p.ID
		}

		jobs, err := a.jobs.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs found")
			return nil
		}

		rows := pterm.TableData{{"ID", "PROJECT", "REF", "STATUS", "COMMIT", "CREATED"}}
		for _, j := range jobs {
			rows = append(rows, []string{
				j.ID,
				strconv.FormatInt(j.ProjectID, 10),
				j.Ref,
				string(j.Status),
				shortSHA(j.Commit),
				j.CreatedAt.Format(time.DateTime),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withApp(func(ctx context.Context, a *app) error {
		j, err := a.jobs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			j.Output = nil
			data, err := json.MarshalIndent(j, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to marshal job")
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Job:      %s\n", j.ID)
		fmt.Printf("Status:   %s\n", j.Status)
		fmt.Printf("Project:  %d\n", j.ProjectID)
		if j.StageID != nil {
			fmt.Printf("Stage:    %d\n", *j.StageID)
		}
		fmt.Printf("Ref:      %s\n", j.Ref)
		if j.Commit != "" {
			fmt.Printf("Commit:   %s\n", j.Commit)
		}
		fmt.Printf("User:     %d\n", j.UserID)
		fmt.Printf("Created:  %s\n", j.CreatedAt.Format(time.RFC3339))
		if j.StartedAt != nil {
			fmt.Printf("Duration: %s\n", j.Duration().Round(time.Millisecond))
		}
		if j.ExitStatus != nil {
			fmt.Printf("Exit:     %d\n", *j.ExitStatus)
		}
		if j.Error != "" {
			fmt.Printf("Error:    %s\n", j.Error)
		}
		return nil
	})
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	interval, _ := cmd.Flags().GetDuration("interval")

	return withApp(func(ctx context.Context, a *app) error {
		printed := 0
		for {
			j, err := a.jobs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if len(j.Output) > printed {
				os.Stdout.Write(j.Output[printed:])
				printed = len(j.Output)
			}
			if !follow || j.Status.IsTerminal() {
				return nil
			}
			time.Sleep(interval)
		}
	})
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		caller, err := a.caller(ctx, cmd)
		if err != nil {
			return err
		}
		if err := a.service.StopJob(ctx, args[0], caller.ID); err != nil {
			return err
		}
		pterm.Success.Printf("Job %s stopped\n", args[0])
		return nil
	})
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
