// Package engine executes deployment jobs: it checks the target scope for a
// blocking lock, brings the project's repository cache up to date, checks the
// requested ref out into a private workspace, runs the job's commands there
// and records output and final status on the job.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/auth"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/job"
	"github.com/teranos/rollout/lock"
	"github.com/teranos/rollout/logger"
	"github.com/teranos/rollout/repo"
	"github.com/teranos/rollout/resource"
	"github.com/teranos/rollout/runner"
)

// Locks answers which lock a caller would be blocked by
type Locks interface {
	ActiveLockFor(ctx context.Context, r lock.Resource) (*lock.Lock, error)
}

// Resources resolves the project and stage of a job
type Resources interface {
	GetProject(ctx context.Context, id int64) (*resource.Project, error)
	GetStage(ctx context.Context, id int64) (*resource.Stage, error)
}

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultOrphanAfter       = time.Minute
)

// Config tunes the engine
type Config struct {
	// Cascade also checks the stage's environment and the global scope
	// before starting a job
	Cascade bool

	// HeartbeatInterval is how often a running job's heartbeat is refreshed
	HeartbeatInterval time.Duration

	// OrphanAfter is how old a heartbeat must be before another engine may
	// declare the job orphaned
	OrphanAfter time.Duration
}

// ConfigFromAm builds an engine config from the rollout config
func ConfigFromAm(cfg *am.Config) Config {
	return Config{
		Cascade:           cfg.Locks.Cascade,
		HeartbeatInterval: time.Duration(cfg.Engine.HeartbeatIntervalSeconds) * time.Second,
		OrphanAfter:       time.Duration(cfg.Engine.OrphanAfterSeconds) * time.Second,
	}
}

// Engine runs jobs, each on its own goroutine
type Engine struct {
	jobs      *job.Store
	cache     *repo.Cache
	runner    *runner.Runner
	locks     Locks
	resources Resources
	cfg       Config
	owner     job.Owner
	now       func() time.Time
	logger    *zap.SugaredLogger

	wg sync.WaitGroup

	mu       sync.Mutex
	live     map[string]*Execution
	shutdown bool
}

// New creates an engine
func New(jobs *job.Store, cache *repo.Cache, r *runner.Runner, locks Locks, resources Resources, cfg Config, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = logger.ComponentLogger("engine")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.OrphanAfter <= cfg.HeartbeatInterval {
		cfg.OrphanAfter = max(DefaultOrphanAfter, 3*cfg.HeartbeatInterval)
	}
	owner := job.NewOwner()
	return &Engine{
		jobs:      jobs,
		cache:     cache,
		runner:    r,
		locks:     locks,
		resources: resources,
		cfg:       cfg,
		owner:     owner,
		now:       time.Now,
		logger:    log.With(logger.FieldOwner, owner.ID),
		live:      make(map[string]*Execution),
	}
}

// Owner is the identity this engine records on the jobs it executes
func (e *Engine) Owner() job.Owner {
	return e.owner
}

// Start moves a pending job to running and executes it in the background.
//
// When a scope the job deploys to holds a hard lock and caller is not an
// admin, or the job's command cannot be parsed, the job goes straight to
// errored without running. Start then returns the finished execution along
// with the error (a *lock.ConflictError for locks).
func (e *Engine) Start(ctx context.Context, j *job.Job, caller *auth.User) (*Execution, error) {
	if j.Status != job.StatusPending {
		return nil, errors.NewInvalidRequestError("job %s is %s, not pending", j.ID, j.Status)
	}
	log := logger.LoggerFromContext(ctx, e.logger).With(logger.FieldJobID, j.ID, logger.FieldProjectID, j.ProjectID)

	x := newExecution(e, j)
	if err := e.register(x); err != nil {
		return nil, err
	}

	if err := e.preflight(ctx, j, caller); err != nil {
		log.Infow("Job refused before start", logger.FieldError, err)
		x.append([]byte(err.Error() + "\n"))
		x.claim.Store(&completed)
		if trErr := x.transition(ctx, func(j *job.Job) { j.Errored(err) }); trErr != nil {
			x.close()
			e.release(x)
			return nil, errors.WithSecondaryError(trErr, err)
		}
		x.close()
		e.release(x)
		return x, err
	}

	if err := x.transition(ctx, func(j *job.Job) { j.Claim(e.owner) }); err != nil {
		x.close()
		e.release(x)
		return nil, err
	}

	log.Infow("Job started", logger.FieldRef, j.Ref, logger.FieldStageID, j.StageID)
	go func() {
		defer e.release(x)
		x.run()
	}()
	return x, nil
}

// StartAndWait starts a job and waits for its terminal status
func (e *Engine) StartAndWait(ctx context.Context, j *job.Job, caller *auth.User) (job.Status, error) {
	x, err := e.Start(ctx, j, caller)
	if x == nil {
		return "", err
	}
	status, waitErr := x.Wait(ctx)
	if err != nil {
		return status, err
	}
	return status, waitErr
}

// preflight refuses jobs whose command cannot run or whose scopes are locked
func (e *Engine) preflight(ctx context.Context, j *job.Job, caller *auth.User) error {
	if err := runner.Validate(runner.Split(j.Command)); err != nil {
		return err
	}
	if caller.IsAdmin() {
		return nil
	}
	scopes, err := e.scopes(ctx, j)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		l, err := e.locks.ActiveLockFor(ctx, scope)
		if err != nil {
			return err
		}
		if l != nil && !l.Warning {
			return &lock.ConflictError{Lock: l}
		}
	}
	return nil
}

// scopes lists the lock scopes a job must find unlocked: its stage, and with
// cascading also the stage's environment and the global scope.
func (e *Engine) scopes(ctx context.Context, j *job.Job) ([]lock.Resource, error) {
	var scopes []lock.Resource
	if j.StageID != nil {
		scopes = append(scopes, lock.Stage(*j.StageID))
		if e.cfg.Cascade {
			stage, err := e.resources.GetStage(ctx, *j.StageID)
			if err != nil {
				return nil, err
			}
			if stage.EnvironmentID != nil {
				scopes = append(scopes, lock.Environment(*stage.EnvironmentID))
			}
		}
	}
	if e.cfg.Cascade {
		scopes = append(scopes, lock.Global())
	}
	return scopes, nil
}

func (e *Engine) register(x *Execution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return errors.NewInvalidRequestError("engine is shutting down")
	}
	if _, ok := e.live[x.id]; ok {
		return errors.NewInvalidRequestError("job %s is already executing", x.id)
	}
	e.live[x.id] = x
	e.wg.Add(1)
	return nil
}

func (e *Engine) release(x *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[x.id] == x {
		delete(e.live, x.id)
	}
	e.wg.Done()
}

// Lookup returns the execution of a job running in this process
func (e *Engine) Lookup(jobID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, ok := e.live[jobID]
	return x, ok
}

// Live returns the executions currently running in this process
func (e *Engine) Live() []*Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	xs := make([]*Execution, 0, len(e.live))
	for _, x := range e.live {
		xs = append(xs, x)
	}
	return xs
}

// Stop cancels a job. A live execution is stopped and waited for; a pending
// job that never started is marked cancelled; finished jobs are left alone.
func (e *Engine) Stop(ctx context.Context, jobID, reason string) error {
	if x, ok := e.Lookup(jobID); ok {
		x.stop(reason)
		return nil
	}
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case j.Status.IsTerminal():
		return nil
	case j.Status == job.StatusPending:
		return e.jobs.Transition(ctx, j, func(j *job.Job) { j.Cancel(reason) })
	default:
		return errors.NewInvalidRequestError("job %s is running in another rollout process", jobID)
	}
}

// Shutdown stops every live execution and waits for them to finish, or for
// ctx to end. No new jobs start afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	live := make([]*Execution, 0, len(e.live))
	for _, x := range e.live {
		live = append(live, x)
	}
	e.mu.Unlock()

	if len(live) > 0 {
		e.logger.Infow("Stopping live jobs", logger.FieldCount, len(live))
	}

	done := make(chan struct{})
	go func() {
		for _, x := range live {
			x.stop("rollout is shutting down")
		}
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown interrupted with jobs still running")
	}
}

// RecoverOrphans marks unfinished jobs whose owner is gone as errored and
// returns how many it marked. A job is orphaned when:
//   - it was never started and has not been touched for OrphanAfter
//   - its heartbeat is older than OrphanAfter
//   - its owner process on this host has exited
//   - it is owned by this engine but not executing here
//
// Jobs executing in other live processes are left alone.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	unfinished, err := e.jobs.ListUnfinished(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list unfinished jobs")
	}

	recovered := 0
	for _, j := range unfinished {
		if _, ok := e.Lookup(j.ID); ok {
			continue
		}
		if !e.orphaned(ctx, j) {
			continue
		}
		err := e.jobs.Transition(ctx, j, func(j *job.Job) {
			j.Errored(errors.New("interrupted: rollout exited while the job was unfinished"))
		})
		if errors.Is(err, job.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Warnw("Marked orphaned jobs as errored", logger.FieldCount, recovered)
	}
	return recovered, nil
}

func (e *Engine) orphaned(ctx context.Context, j *job.Job) bool {
	now := e.now()
	if j.Owner == nil {
		return now.Sub(j.UpdatedAt) >= e.cfg.OrphanAfter
	}
	if j.Owner.ID == e.owner.ID {
		return true
	}
	if j.HeartbeatAt == nil || now.Sub(*j.HeartbeatAt) >= e.cfg.OrphanAfter {
		return true
	}
	if j.Owner.Host != e.owner.Host || j.Owner.PID == e.owner.PID {
		return false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(j.Owner.PID))
	if err != nil {
		e.logger.Debugw("Cannot check job owner process",
			logger.FieldJobID, j.ID, logger.FieldPID, j.Owner.PID, logger.FieldError, err)
		return false
	}
	return !alive
}
