package commands

import (
	"context"
	"database/sql"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/auth"
	"github.com/teranos/rollout/engine"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/job"
	"github.com/teranos/rollout/lock"
	"github.com/teranos/rollout/logger"
	"github.com/teranos/rollout/repo"
	"github.com/teranos/rollout/resource"
	"github.com/teranos/rollout/runner"
)

// app is everything a command needs, wired from the loaded configuration
type app struct {
	cfg       *am.Config
	db        *sql.DB
	jobs      *job.Store
	resources *resource.Store
	users     *auth.Directory
	locks     *lock.Manager
	cache     *repo.Cache
	engine    *engine.Engine
	service   *engine.Service
}

func openApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		db:        database,
		jobs:      job.NewStore(database),
		resources: resource.NewStore(database),
		users:     auth.NewDirectory(database),
	}
	a.locks = lock.NewManager(database, a.resources, lock.PolicyFromAm(cfg.Locks), logger.ComponentLogger("lock"))
	a.resources.OnDelete(a.locks.ResourceDeleted)

	a.cache, err = repo.NewCache(repo.ConfigFromAm(cfg.Repository), logger.ComponentLogger("repo"))
	if err != nil {
		database.Close()
		return nil, err
	}
	r := runner.New(runner.ConfigFromAm(cfg.Runner), logger.ComponentLogger("runner"))
	a.engine = engine.New(a.jobs, a.cache, r, a.locks, a.resources, engine.ConfigFromAm(cfg), logger.ComponentLogger("engine"))
	a.service = engine.NewService(a.engine, a.jobs, a.locks, a.users)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// caller resolves the acting user from --user, ROLLOUT_USER or the login name
func (a *app) caller(ctx context.Context, cmd *cobra.Command) (*auth.User, error) {
	name, _ := cmd.Flags().GetString("user")
	if name == "" {
		name = os.Getenv("ROLLOUT_USER")
	}
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	if name == "" {
		return nil, errors.NewInvalidRequestError("no user: pass --user or set ROLLOUT_USER")
	}
	u, err := a.users.GetByName(ctx, name)
	if err != nil {
		return nil, errors.WithHintf(err, "add the user with `rollout user add %s --role deployer`", name)
	}
	return u, nil
}

// project finds a project by name or id
func (a *app) project(ctx context.Context, ref string) (*resource.Project, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.resources.GetProject(ctx, id)
	}
	return a.resources.GetProjectByName(ctx, ref)
}

// environment finds an environment by name or id
func (a *app) environment(ctx context.Context, ref string) (*resource.Environment, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.resources.GetEnvironment(ctx, id)
	}
	return a.resources.GetEnvironmentByName(ctx, ref)
}

// stage finds a stage by id or as <project>/<stage>
func (a *app) stage(ctx context.Context, ref string) (*resource.Stage, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.resources.GetStage(ctx, id)
	}
	projectRef, name, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, errors.NewInvalidRequestError("stage %q: want <project>/<stage> or an id", ref)
	}
	p, err := a.project(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	return a.resources.GetStageByName(ctx, p.ID, name)
}

// scope parses "global", "environment:<name|id>" or "stage:<project>/<stage>|<id>"
func (a *app) scope(ctx context.Context, s string) (lock.Resource, error) {
	if r, err := lock.ParseResource(s); err == nil {
		return r, nil
	}
	kind, ref, ok := strings.Cut(s, ":")
	if !ok {
		return lock.ParseResource(s)
	}
	switch resource.Kind(kind) {
	case resource.KindEnvironment:
		env, err := a.environment(ctx, ref)
		if err != nil {
			return lock.Resource{}, err
		}
		return lock.Environment(env.ID), nil
	case resource.KindStage:
		st, err := a.stage(ctx, ref)
		if err != nil {
			return lock.Resource{}, err
		}
		return lock.Stage(st.ID), nil
	default:
		return lock.ParseResource(s)
	}
}

// withApp opens the app for the duration of fn
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}
