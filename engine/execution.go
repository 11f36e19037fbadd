package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/rollout/db"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/job"
	"github.com/teranos/rollout/logger"
	"github.com/teranos/rollout/runner"
)

// Execution is the handle of one running job
type Execution struct {
	engine *Engine
	id     string
	output *job.Output
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelCauseFunc

	// The outcome is claimed once, by natural completion or by stop,
	// whichever comes first. A stop claims with its reason.
	claim atomic.Pointer[string]

	mu  sync.Mutex
	job *job.Job

	done chan struct{}
	err  error
}

var (
	errStopped = errors.New("job stopped")
	completed  = ""
)

func newExecution(e *Engine, j *job.Job) *Execution {
	cp := *j
	ctx, cancel := context.WithCancelCause(logger.WithJobID(context.Background(), j.ID))
	return &Execution{
		engine: e,
		id:     j.ID,
		output: job.NewOutput(),
		logger: e.logger.With(logger.FieldJobID, j.ID),
		ctx:    ctx,
		cancel: cancel,
		job:    &cp,
		done:   make(chan struct{}),
	}
}

// JobID returns the id of the executing job
func (x *Execution) JobID() string {
	return x.id
}

// Job returns a snapshot of the job record
func (x *Execution) Job() job.Job {
	x.mu.Lock()
	defer x.mu.Unlock()
	return *x.job
}

// Status returns the job's current status
func (x *Execution) Status() job.Status {
	return x.Job().Status
}

// Output is the in-memory output buffer, for streaming
func (x *Execution) Output() *job.Output {
	return x.output
}

// Done is closed once the job is terminal and its workspace destroyed
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the job is terminal or ctx ends. Every caller observes
// the same terminal status. The error is non-nil only when the final status
// could not be recorded or ctx ended first.
func (x *Execution) Wait(ctx context.Context) (job.Status, error) {
	select {
	case <-x.done:
		return x.Status(), x.err
	case <-ctx.Done():
		return x.Status(), ctx.Err()
	}
}

// Stop cancels the job: the running command's process group is terminated,
// the workspace removed, and the job ends cancelled. It returns once that
// has happened. Stopping a finished job does nothing.
func (x *Execution) Stop() {
	x.stop("stopped by request")
}

func (x *Execution) stop(reason string) {
	if x.claim.CompareAndSwap(nil, &reason) {
		x.cancel(errStopped)
	}
	<-x.done
}

func (x *Execution) close() {
	x.cancel(nil)
	x.output.Close()
	close(x.done)
}

// run is the job pipeline: cache, workspace, commands. It always destroys
// the workspace and ends with exactly one terminal transition.
func (x *Execution) run() {
	defer x.close()

	beating := make(chan struct{})
	go x.heartbeat(beating)
	exitStatus, err := x.pipeline()
	close(beating)

	apply := func(j *job.Job) {
		switch {
		case err != nil:
			j.Errored(err)
		case exitStatus != 0:
			j.Fail(exitStatus)
		default:
			j.Succeed()
		}
	}
	if !x.claim.CompareAndSwap(nil, &completed) {
		reason := *x.claim.Load()
		apply = func(j *job.Job) { j.Cancel(reason) }
	}

	x.finish(apply)
}

func (x *Execution) pipeline() (int, error) {
	e := x.engine
	ctx := x.ctx

	x.mu.Lock()
	j := *x.job
	x.mu.Unlock()

	project, err := e.resources.GetProject(ctx, j.ProjectID)
	if err != nil {
		return -1, err
	}
	cached, err := e.cache.EnsureCloned(ctx, project.ID, project.RepositoryURL)
	if err != nil {
		return -1, err
	}
	ws, err := e.cache.Checkout(ctx, cached, j.ID, j.Ref)
	if err != nil {
		return -1, err
	}
	defer func() {
		if err := ws.Destroy(); err != nil {
			x.logger.Warnw("Failed to remove workspace", logger.FieldWorkspace, ws.Dir, logger.FieldError, err)
		}
	}()

	if err := e.jobs.SetCommit(ctx, j.ID, ws.Commit); err != nil {
		return -1, err
	}
	x.mu.Lock()
	x.job.Commit = ws.Commit
	x.mu.Unlock()

	return e.runner.Run(ctx, ws.Dir, runner.Split(j.Command), x.append)
}

// heartbeat refreshes the job's heartbeat until stop is closed. If the job
// record is no longer running under this engine, another process has
// declared it orphaned and the execution is stopped.
func (x *Execution) heartbeat(stop <-chan struct{}) {
	e := x.engine
	ctx := context.WithoutCancel(x.ctx)
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ok, err := e.jobs.Heartbeat(ctx, x.id, e.owner.ID, e.now())
		switch {
		case db.IsDatabaseClosed(err):
			return
		case err != nil:
			x.logger.Warnw("Failed to record heartbeat", logger.FieldError, err)
		case !ok:
			reason := "job record was finished by another process"
			if x.claim.CompareAndSwap(nil, &reason) {
				x.logger.Warnw("Job record was finished by another process, stopping")
				x.cancel(errStopped)
			}
			return
		}
	}
}

// append records one output chunk in memory and in the job record. Chunks
// arrive from a single goroutine, so both copies keep production order.
func (x *Execution) append(chunk []byte) {
	x.output.Append(chunk)
	err := x.engine.jobs.AppendOutput(context.WithoutCancel(x.ctx), x.id, chunk)
	if err != nil && !db.IsDatabaseClosed(err) {
		x.logger.Warnw("Failed to persist job output", logger.FieldError, err)
	}
}

func (x *Execution) finish(apply func(*job.Job)) {
	// The job's own context may be cancelled, and the outcome must still be recorded
	ctx := context.WithoutCancel(x.ctx)

	var outcome job.Job
	apply(&outcome)
	if outcome.Status != job.StatusSucceeded && outcome.Error != "" {
		x.append([]byte("\n" + runner.EchoPrefix + string(outcome.Status) + ": " + outcome.Error + "\n"))
	}

	err := x.transition(ctx, apply)
	if errors.Is(err, job.ErrInvalidTransition) {
		// Another process finished the record first; report what it stored
		if stored, getErr := x.engine.jobs.Summary(ctx, x.id); getErr == nil {
			x.mu.Lock()
			x.job = stored
			x.mu.Unlock()
		} else {
			x.logger.Warnw("Failed to re-read job outcome", logger.FieldError, getErr)
		}
	}
	j := x.Job()
	status, duration := j.Status, j.Duration()

	if err != nil {
		x.err = errors.Wrap(err, "failed to record job outcome")
		x.logger.Errorw("Failed to record job outcome", logger.FieldError, err)
		return
	}
	x.logger.Infow("Job finished",
		logger.FieldStatus, status,
		logger.FieldDurationMS, duration.Milliseconds())
}

func (x *Execution) transition(ctx context.Context, apply func(*job.Job)) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.engine.jobs.Transition(ctx, x.job, apply)
}
