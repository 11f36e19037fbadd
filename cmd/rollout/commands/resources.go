package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/rollout/auth"
	"github.com/teranos/rollout/errors"
)

// ProjectCmd manages projects
var ProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects (deployable repositories)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// EnvCmd manages environments
var EnvCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage environments",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// StageCmd manages stages
var StageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Manage stages (a project deployed into an environment)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// UserCmd manages users
var UserCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	ProjectCmd.AddCommand(&cobra.Command{
		Use:   "add <name> <repository-url>",
		Short: "Add a project",
		Args:  cobra.ExactArgs(2),
		RunE:  runProjectAdd,
	})
	ProjectCmd.AddCommand(&cobra.Command{Use: "ls", Short: "List projects", RunE: runProjectLs})
	ProjectCmd.AddCommand(&cobra.Command{
		Use:   "rm <project>",
		Short: "Remove a project, its stages and their locks",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectRm,
	})

	envAdd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an environment",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnvAdd,
	}
	envAdd.Flags().Bool("production", false, "Stages in this environment deploy to production")
	EnvCmd.AddCommand(envAdd)
	EnvCmd.AddCommand(&cobra.Command{Use: "ls", Short: "List environments", RunE: runEnvLs})
	EnvCmd.AddCommand(&cobra.Command{
		Use:   "rm <environment>",
		Short: "Remove an environment and its locks",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnvRm,
	})

	stageAdd := &cobra.Command{
		Use:   "add <project> <name>",
		Short: "Add a stage to a project",
		Args:  cobra.ExactArgs(2),
		RunE:  runStageAdd,
	}
	stageAdd.Flags().String("env", "", "Environment the stage deploys into")
	stageAdd.Flags().Bool("production", false, "The stage deploys to production")
	StageCmd.AddCommand(stageAdd)
	stageLs := &cobra.Command{Use: "ls", Short: "List stages", RunE: runStageLs}
	stageLs.Flags().String("project", "", "Only stages of this project")
	StageCmd.AddCommand(stageLs)
	StageCmd.AddCommand(&cobra.Command{
		Use:   "rm <project>/<stage>",
		Short: "Remove a stage and its locks",
		Args:  cobra.ExactArgs(1),
		RunE:  runStageRm,
	})

	userAdd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a user (the first user may be added by anyone)",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserAdd,
	}
	userAdd.Flags().String("role", string(auth.RoleDeployer), "viewer, deployer or admin")
	UserCmd.AddCommand(userAdd)
	UserCmd.AddCommand(&cobra.Command{Use: "ls", Short: "List users", RunE: runUserLs})
	userRole := &cobra.Command{
		Use:   "role <name> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE:  runUserRole,
	}
	UserCmd.AddCommand(userRole)
}

// requireAdmin resolves the caller and checks it may manage resources
func requireAdmin(ctx context.Context, a *app, cmd *cobra.Command) error {
	caller, err := a.caller(ctx, cmd)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() {
		return errors.NewPrivilegeDeniedError("%s is not an admin", caller.Name)
	}
	return nil
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		p, err := a.resources.CreateProject(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		pterm.Success.Printf("Added project %s (id %d)\n", p.Name, p.ID)
		return nil
	})
}

func runProjectLs(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		projects, err := a.resources.ListProjects(ctx)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"ID", "NAME", "REPOSITORY"}}
		for _, p := range projects {
			rows = append(rows, []string{strconv.FormatInt(p.ID, 10), p.Name, p.RepositoryURL})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runProjectRm(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		p, err := a.project(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.resources.DeleteProject(ctx, p.ID); err != nil {
			return err
		}
		if err := a.cache.Remove(ctx, p.ID); err != nil {
			return err
		}
		pterm.Success.Printf("Removed project %s\n", p.Name)
		return nil
	})
}

func runEnvAdd(cmd *cobra.Command, args []string) error {
	production, _ := cmd.Flags().GetBool("production")
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		e, err := a.resources.CreateEnvironment(ctx, args[0], production)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Added environment %s (id %d)\n", e.Name, e.ID)
		return nil
	})
}

func runEnvLs(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		envs, err := a.resources.ListEnvironments(ctx)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"ID", "NAME", "PRODUCTION"}}
		for _, e := range envs {
			rows = append(rows, []string{strconv.FormatInt(e.ID, 10), e.Name, strconv.FormatBool(e.Production)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runEnvRm(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		e, err := a.environment(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.resources.DeleteEnvironment(ctx, e.ID); err != nil {
			return err
		}
		pterm.Success.Printf("Removed environment %s\n", e.Name)
		return nil
	})
}

func runStageAdd(cmd *cobra.Command, args []string) error {
	envRef, _ := cmd.Flags().GetString("env")
	production, _ := cmd.Flags().GetBool("production")
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		p, err := a.project(ctx, args[0])
		if err != nil {
			return err
		}
		var envID int64
		if envRef != "" {
			e, err := a.environment(ctx, envRef)
			if err != nil {
				return err
			}
			envID = e.ID
		}
		st, err := a.resources.CreateStage(ctx, p.ID, envID, args[1], production)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Added stage %s/%s (id %d, production: %t)\n", p.Name, st.Name, st.ID, st.IsProduction())
		return nil
	})
}

func runStageLs(cmd *cobra.Command, args []string) error {
	projectRef, _ := cmd.Flags().GetString("project")
	return withApp(func(ctx context.Context, a *app) error {
		var projectID int64
		if projectRef != "" {
			p, err := a.project(ctx, projectRef)
			if err != nil {
				return err
			}
			projectID = p.ID
		}
		stages, err := a.resources.ListStages(ctx, projectID)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"ID", "PROJECT", "NAME", "ENVIRONMENT", "PRODUCTION"}}
		for _, st := range stages {
			env := "-"
			if st.EnvironmentID != nil {
				env = strconv.FormatInt(*st.EnvironmentID, 10)
			}
			rows = append(rows, []string{
				strconv.FormatInt(st.ID, 10),
				strconv.FormatInt(st.ProjectID, 10),
				st.Name,
				env,
				strconv.FormatBool(st.IsProduction()),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runStageRm(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		st, err := a.stage(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.resources.DeleteStage(ctx, st.ID); err != nil {
			return err
		}
		pterm.Success.Printf("Removed stage %s\n", st.Name)
		return nil
	})
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	roleName, _ := cmd.Flags().GetString("role")
	return withApp(func(ctx context.Context, a *app) error {
		role, err := auth.ParseRole(roleName)
		if err != nil {
			return err
		}
		existing, err := a.users.List(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			if err := requireAdmin(ctx, a, cmd); err != nil {
				return err
			}
		}
		u, err := a.users.Create(ctx, args[0], role)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Added user %s (%s)\n", u.Name, u.Role)
		return nil
	})
}

func runUserLs(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		users, err := a.users.List(ctx)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"ID", "NAME", "ROLE"}}
		for _, u := range users {
			rows = append(rows, []string{strconv.FormatInt(u.ID, 10), u.Name, string(u.Role)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runUserRole(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if err := requireAdmin(ctx, a, cmd); err != nil {
			return err
		}
		role, err := auth.ParseRole(args[1])
		if err != nil {
			return err
		}
		u, err := a.users.GetByName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := a.users.SetRole(ctx, u.ID, role); err != nil {
			return err
		}
		pterm.Success.Printf("%s is now %s\n", u.Name, role)
		return nil
	})
}
