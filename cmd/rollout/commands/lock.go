package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/rollout/engine"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/lock"
)

// LockCmd groups lock management commands
var LockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage resource locks",
	Long: `Lock the global scope, an environment or a stage so deployments to it are
refused. Warning locks only inform; they never block.

Scopes:
  global
  environment:<name|id>
  stage:<project>/<stage> or stage:<id>

Examples:
  rollout lock create stage:app/production -d "database migration" --expires 2h
  rollout lock create global -d "release freeze"
  rollout lock create environment:staging -d "flaky" --warning
  rollout lock rm stage:app/production
  rollout lock ls`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var lockCreateCmd = &cobra.Command{
	Use:   "create <scope>",
	Short: "Lock a scope",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockCreate,
}

var lockRmCmd = &cobra.Command{
	Use:   "rm [scope]",
	Short: "Remove the active lock on a scope, or a lock by --id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLockRm,
}

var lockLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active locks",
	RunE:  runLockLs,
}

var lockReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired lock records",
	RunE:  runLockReap,
}

func init() {
	lockCreateCmd.Flags().StringP("description", "d", "", "Why the scope is locked (required)")
	lockCreateCmd.Flags().Bool("warning", false, "Create a warning that does not block deployments")
	lockCreateCmd.Flags().Duration("expires", 0, "Remove the lock after this long (default: never)")
	lockCreateCmd.Flags().String("replace", "", "Replace the lock with this id instead of adding one")
	lockRmCmd.Flags().String("id", "", "Lock id to remove")

	LockCmd.AddCommand(lockCreateCmd)
	LockCmd.AddCommand(lockRmCmd)
	LockCmd.AddCommand(lockLsCmd)
	LockCmd.AddCommand(lockReapCmd)
}

func runLockCreate(cmd *cobra.Command, args []string) error {
	description, _ := cmd.Flags().GetString("description")
	warning, _ := cmd.Flags().GetBool("warning")
	expires, _ := cmd.Flags().GetDuration("expires")
	replace, _ := cmd.Flags().GetString("replace")
	if (replace == "") == (len(args) == 0) {
		return errors.NewInvalidRequestError("give either a scope or --replace")
	}

	return withApp(func(ctx context.Context, a *app) error {
		caller, err := a.caller(ctx, cmd)
		if err != nil {
			return err
		}
		opts := lock.Options{Warning: warning}
		if cmd.Flags().Changed("expires") {
			opts.ExpiresIn = &expires
		}

		var l *lock.Lock
		if replace != "" {
			l, err = a.locks.Replace(ctx, replace, caller, description, opts)
		} else {
			scope, scopeErr := a.scope(ctx, args[0])
			if scopeErr != nil {
				return scopeErr
			}
			l, err = a.locks.Lock(ctx, scope, caller, description, opts)
		}
		var conflict *lock.ConflictError
		if errors.As(err, &conflict) {
			pterm.Warning.Println(conflict.Lock.Summary())
		}
		if err != nil {
			return err
		}
		pterm.Success.Printf("Locked %s (%s)\n", l.Resource, l.ID)
		return nil
	})
}

func runLockRm(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	if (id == "") == (len(args) == 0) {
		return errors.NewInvalidRequestError("give either a scope or --id")
	}

	return withApp(func(ctx context.Context, a *app) error {
		caller, err := a.caller(ctx, cmd)
		if err != nil {
			return err
		}
		req := engine.UnlockRequest{LockID: id, UserID: caller.ID}
		if len(args) == 1 {
			scope, err := a.scope(ctx, args[0])
			if err != nil {
				return err
			}
			req.Scope = &scope
		}
		if err := a.service.RequestUnlock(ctx, req); err != nil {
			return err
		}
		pterm.Success.Println("Lock removed")
		return nil
	})
}

func runLockLs(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		locks, err := a.locks.List(ctx)
		if err != nil {
			return err
		}
		if len(locks) == 0 {
			pterm.Info.Println("No active locks")
			return nil
		}

		rows := pterm.TableData{{"ID", "SCOPE", "KIND", "USER", "DESCRIPTION", "EXPIRES"}}
		for _, l := range locks {
			kind := "hard"
			if l.Warning {
				kind = "warning"
			}
			expires := "never"
			if l.DeleteAt != nil {
				expires = l.DeleteAt.Format(time.DateTime)
			}
			rows = append(rows, []string{
				l.ID, l.Resource.Key(), kind, strconv.FormatInt(l.UserID, 10), l.Description, expires,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runLockReap(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		n, err := a.locks.Reap(ctx)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Deleted %d expired locks\n", n)
		return nil
	})
}
