package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/rollout/auth"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/job"
	"github.com/teranos/rollout/lock"
	"github.com/teranos/rollout/logger"
)

// Users resolves caller ids to identities
type Users interface {
	Get(ctx context.Context, id int64) (*auth.User, error)
}

// Service is the trigger interface: what a transport (CLI, HTTP) calls to
// run jobs, manage locks and follow output.
type Service struct {
	engine *Engine
	jobs   *job.Store
	locks  *lock.Manager
	users  Users
	logger *zap.SugaredLogger
}

// NewService wires the trigger interface
func NewService(e *Engine, jobs *job.Store, locks *lock.Manager, users Users) *Service {
	return &Service{engine: e, jobs: jobs, locks: locks, users: users, logger: e.logger}
}

// RunRequest asks for a job
type RunRequest struct {
	ProjectID int64
	StageID   *int64
	Ref       string
	Command   string
	UserID    int64
}

// LockRequest asks for a lock
type LockRequest struct {
	Scope       lock.Resource
	UserID      int64
	Description string
	Warning     bool
	ExpiresIn   *time.Duration
}

// UnlockRequest removes a lock, by id or as the active lock of a scope.
// Exactly one of Scope and LockID is set.
type UnlockRequest struct {
	Scope  *lock.Resource
	LockID string
	UserID int64
}

// RequestRun creates a job and starts it. When the job is refused before it
// starts (a hard lock, an unparsable command) its id is returned together
// with the error, the job having ended errored.
func (s *Service) RequestRun(ctx context.Context, req RunRequest) (string, error) {
	user, err := s.users.Get(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if !user.CanDeploy() {
		return "", errors.NewPrivilegeDeniedError("user %s may not run jobs", user.Name)
	}
	if req.StageID != nil {
		stage, err := s.engine.resources.GetStage(ctx, *req.StageID)
		if err != nil {
			return "", err
		}
		if stage.ProjectID != req.ProjectID {
			return "", errors.NewInvalidRequestError("stage %s does not belong to project %d", stage.Name, req.ProjectID)
		}
	}
	if _, err := s.engine.resources.GetProject(ctx, req.ProjectID); err != nil {
		return "", err
	}

	j, err := job.New(req.ProjectID, req.StageID, req.Ref, req.Command, user.ID)
	if err != nil {
		return "", err
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return "", err
	}
	if _, err := s.engine.Start(ctx, j, user); err != nil {
		return j.ID, err
	}
	return j.ID, nil
}

// RunWithTimeout runs a job and waits for it, stopping it once timeout has
// passed. A zero timeout waits indefinitely.
func (s *Service) RunWithTimeout(ctx context.Context, req RunRequest, timeout time.Duration) (string, job.Status, error) {
	id, err := s.RequestRun(ctx, req)
	if err != nil {
		if id != "" {
			status, statusErr := s.GetStatus(ctx, id)
			return id, status, errors.CombineErrors(err, statusErr)
		}
		return "", "", err
	}
	status, err := s.WaitWithTimeout(ctx, id, timeout)
	return id, status, err
}

// WaitWithTimeout waits for a job started in this process, stopping it once
// timeout has passed or when ctx ends. A zero timeout waits indefinitely.
func (s *Service) WaitWithTimeout(ctx context.Context, jobID string, timeout time.Duration) (job.Status, error) {
	x, ok := s.engine.Lookup(jobID)
	if !ok {
		return s.GetStatus(ctx, jobID)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-x.Done():
	case <-expired:
		s.logger.Infow("Job timed out", logger.FieldJobID, jobID, "timeout", timeout)
		x.stop("timed out after " + timeout.String())
	case <-ctx.Done():
		x.stop("caller went away")
	}
	return x.Wait(context.WithoutCancel(ctx))
}

// StopJob cancels a job
func (s *Service) StopJob(ctx context.Context, jobID string, userID int64) error {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !user.CanDeploy() {
		return errors.NewPrivilegeDeniedError("user %s may not stop jobs", user.Name)
	}
	return s.engine.Stop(ctx, jobID, "stopped by "+user.Name)
}

// RequestLock creates a lock and returns its id
func (s *Service) RequestLock(ctx context.Context, req LockRequest) (string, error) {
	user, err := s.users.Get(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	l, err := s.locks.Lock(ctx, req.Scope, user, req.Description, lock.Options{
		Warning:   req.Warning,
		ExpiresIn: req.ExpiresIn,
	})
	if err != nil {
		return "", err
	}
	return l.ID, nil
}

// RequestUnlock removes a lock
func (s *Service) RequestUnlock(ctx context.Context, req UnlockRequest) error {
	if (req.Scope == nil) == (req.LockID == "") {
		return errors.NewInvalidRequestError("unlock needs either a scope or a lock id")
	}
	user, err := s.users.Get(ctx, req.UserID)
	if err != nil {
		return err
	}
	if req.LockID != "" {
		return s.locks.DestroyByID(ctx, req.LockID, user)
	}
	_, err = s.locks.Unlock(ctx, *req.Scope, user)
	return err
}

// GetStatus returns a job's current status
func (s *Service) GetStatus(ctx context.Context, jobID string) (job.Status, error) {
	if x, ok := s.engine.Lookup(jobID); ok {
		return x.Status(), nil
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// StreamOutput follows a job's output. For a job executing in this process
// the channel replays what was produced so far, then delivers live chunks
// and closes when the job is terminal. Otherwise the persisted output is
// delivered as one chunk and the channel closes.
func (s *Service) StreamOutput(ctx context.Context, jobID string) (<-chan []byte, error) {
	if x, ok := s.engine.Lookup(jobID); ok {
		return x.Output().Subscribe(ctx), nil
	}
	out, err := s.jobs.Output(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	if len(out) > 0 {
		ch <- out
	}
	close(ch)
	return ch, nil
}
