package lock

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/rollout/auth"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/internal/util"
	"github.com/teranos/rollout/logger"
	"github.com/teranos/rollout/resource"
)

// Resources resolves the scopes locks refer to
type Resources interface {
	GetEnvironment(ctx context.Context, id int64) (*resource.Environment, error)
	GetStage(ctx context.Context, id int64) (*resource.Stage, error)
}

// Manager grants, queries and releases locks. Requests on one scope are
// serialized in-process; the partial unique index on locks serializes them
// across processes sharing the database.
type Manager struct {
	store     *Store
	resources Resources
	policy    *Policy
	scopes    *util.KeyedMutex
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewManager creates a lock manager. A nil policy allows deployers to lock
// production stages.
func NewManager(db *sql.DB, resources Resources, policy *Policy, log *zap.SugaredLogger) *Manager {
	if policy == nil {
		policy = NewPolicy(false)
	}
	if log == nil {
		log = logger.ComponentLogger("lock")
	}
	return &Manager{
		store:     NewStore(db),
		resources: resources,
		policy:    policy,
		scopes:    util.NewKeyedMutex(),
		now:       time.Now,
		logger:    log,
	}
}

// Policy returns the live policy, for config reload wiring
func (m *Manager) Policy() *Policy {
	return m.policy
}

// Lock creates a lock on r for user. A hard lock fails with a ConflictError
// when r already holds an active hard lock, unless user is an admin, in which
// case the existing lock is replaced. Warning locks always succeed.
func (m *Manager) Lock(ctx context.Context, r Resource, user *auth.User, description string, opts Options) (*Lock, error) {
	l, err := m.newLock(r, user, description, opts)
	if err != nil {
		return nil, err
	}
	if err := m.checkCreate(ctx, r, user); err != nil {
		return nil, err
	}

	release, err := m.scopes.Lock(ctx, r.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	log := logger.LoggerFromContext(ctx, m.logger).With(logger.FieldScope, r.Key(), logger.FieldUserID, user.ID)
	if err := m.acquire(ctx, l, user, "", log); err != nil {
		return nil, err
	}
	log.Infow("Lock created", logger.FieldLockID, l.ID, logger.FieldWarning, l.Warning, logger.FieldDeleteAt, l.DeleteAt)
	return l, nil
}

// acquire stores l, replacing an active hard lock when user may override it.
// A non-empty replacing id is deleted in the same transaction.
func (m *Manager) acquire(ctx context.Context, l *Lock, user *auth.User, replacing string, log *zap.SugaredLogger) error {
	err := m.store.WithTx(ctx, func(q querier) error {
		if err := deleteExpiredIn(ctx, q, l.Resource, l.CreatedAt); err != nil {
			return err
		}
		if replacing != "" {
			if err := deleteByID(ctx, q, replacing); err != nil {
				return err
			}
		}
		if l.Warning {
			return insert(ctx, q, l)
		}

		existing, err := activeHard(ctx, q, l.Resource, l.CreatedAt)
		if err != nil {
			return err
		}
		if existing != nil {
			if !user.IsAdmin() {
				return &ConflictError{Lock: existing}
			}
			if err := deleteByID(ctx, q, existing.ID); err != nil {
				return err
			}
			log.Infow("Admin override replaced hard lock", logger.FieldLockID, existing.ID, "previous_user_id", existing.UserID)
		}
		return insert(ctx, q, l)
	})
	if err != nil && isUniqueViolation(err) {
		// Another process won the scope between our check and insert
		existing, readErr := activeHard(ctx, m.store.db, l.Resource, m.now())
		if readErr != nil || existing == nil {
			return errors.Wrapf(errors.ErrLockConflict, "%s is locked", l.Resource)
		}
		return &ConflictError{Lock: existing}
	}
	return err
}

func (m *Manager) newLock(r Resource, user *auth.User, description string, opts Options) (*Lock, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.NewPrivilegeDeniedError("locking requires a user")
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, errors.NewInvalidRequestError("lock description is required")
	}
	if opts.ExpiresIn != nil && *opts.ExpiresIn <= 0 {
		return nil, errors.NewInvalidRequestError("lock expiry must be in the future")
	}

	now := m.now()
	l := &Lock{
		ID:          uuid.NewString(),
		Resource:    r,
		UserID:      user.ID,
		Description: description,
		Warning:     opts.Warning,
		CreatedAt:   now,
	}
	if opts.ExpiresIn != nil {
		deleteAt := now.Add(*opts.ExpiresIn)
		l.DeleteAt = &deleteAt
	}
	return l, nil
}

// checkCreate enforces who may lock r: global and environment scopes need an
// admin; stages need a deployer, or an admin for production stages when the
// policy says so.
func (m *Manager) checkCreate(ctx context.Context, r Resource, user *auth.User) error {
	switch r.Kind {
	case KindGlobal:
		if !user.IsAdmin() {
			return errors.NewPrivilegeDeniedError("only admins may lock globally")
		}
	case KindEnvironment:
		if _, err := m.resources.GetEnvironment(ctx, r.ID); err != nil {
			return err
		}
		if !user.IsAdmin() {
			return errors.NewPrivilegeDeniedError("only admins may lock an environment")
		}
	case KindStage:
		stage, err := m.resources.GetStage(ctx, r.ID)
		if err != nil {
			return err
		}
		if !user.CanDeploy() {
			return errors.NewPrivilegeDeniedError("user %s may not lock stages", user.Name)
		}
		if stage.IsProduction() && m.policy.ProductionRequiresAdmin() && !user.IsAdmin() {
			return errors.NewPrivilegeDeniedError("only admins may lock production stage %s", stage.Name)
		}
	}
	return nil
}

// checkRemove enforces who may remove a lock on r: admins always; deployers
// only on non-production stages.
func (m *Manager) checkRemove(ctx context.Context, r Resource, user *auth.User) error {
	if user.IsAdmin() {
		return nil
	}
	if r.Kind != KindStage || !user.CanDeploy() {
		return errors.NewPrivilegeDeniedError("only admins may remove a %s lock", r.Kind)
	}
	stage, err := m.resources.GetStage(ctx, r.ID)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if stage.IsProduction() {
		return errors.NewPrivilegeDeniedError("only admins may unlock production stage %s", stage.Name)
	}
	return nil
}

// Unlock removes the active lock on r, the hard lock if there is one,
// otherwise the newest warning.
func (m *Manager) Unlock(ctx context.Context, r Resource, user *auth.User) (*Lock, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	release, err := m.scopes.Lock(ctx, r.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	active, err := m.store.Active(ctx, r, m.now())
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, errors.NewNotFoundError("no active lock on %s", r)
	}
	target := active[0]
	if err := m.checkRemove(ctx, r, user); err != nil {
		return nil, err
	}
	if err := deleteByID(ctx, m.store.db, target.ID); err != nil {
		return nil, err
	}
	m.logRemoved(ctx, target, user)
	return target, nil
}

// DestroyByID removes a lock by id. Expired locks that have not been reaped
// yet can be removed too.
func (m *Manager) DestroyByID(ctx context.Context, id string, user *auth.User) error {
	l, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.checkRemove(ctx, l.Resource, user); err != nil {
		return err
	}

	release, err := m.scopes.Lock(ctx, l.Resource.Key())
	if err != nil {
		return err
	}
	defer release()

	if err := deleteByID(ctx, m.store.db, id); err != nil {
		return err
	}
	m.logRemoved(ctx, l, user)
	return nil
}

func (m *Manager) logRemoved(ctx context.Context, l *Lock, user *auth.User) {
	var userID int64
	if user != nil {
		userID = user.ID
	}
	logger.LoggerFromContext(ctx, m.logger).Infow("Lock removed",
		logger.FieldLockID, l.ID,
		logger.FieldScope, l.Resource.Key(),
		logger.FieldUserID, userID,
		logger.FieldWarning, l.Warning)
}

// Replace swaps an active lock for a new one on the same scope, keeping the
// scope locked throughout. The caller needs removal rights on the old lock and
// creation rights on the new one.
func (m *Manager) Replace(ctx context.Context, id string, user *auth.User, description string, opts Options) (*Lock, error) {
	old, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.IsActive(m.now()) {
		return nil, errors.NewNotFoundError("lock %s has expired", id)
	}
	l, err := m.newLock(old.Resource, user, description, opts)
	if err != nil {
		return nil, err
	}
	if err := m.checkRemove(ctx, old.Resource, user); err != nil {
		return nil, err
	}
	if err := m.checkCreate(ctx, old.Resource, user); err != nil {
		return nil, err
	}

	release, err := m.scopes.Lock(ctx, old.Resource.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	log := logger.LoggerFromContext(ctx, m.logger).With(logger.FieldScope, l.Resource.Key(), logger.FieldUserID, user.ID)
	if err := m.acquire(ctx, l, user, old.ID, log); err != nil {
		return nil, err
	}
	log.Infow("Lock replaced", "previous_lock_id", old.ID, logger.FieldLockID, l.ID, logger.FieldWarning, l.Warning)
	return l, nil
}

// ActiveLockFor returns the lock a caller should be shown for r: the active
// hard lock if any, otherwise the newest active warning, otherwise nil.
func (m *Manager) ActiveLockFor(ctx context.Context, r Resource) (*Lock, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	active, err := m.store.Active(ctx, r, m.now())
	if err != nil || len(active) == 0 {
		return nil, err
	}
	return active[0], nil
}

// IsHardLocked reports whether r holds an active hard lock
func (m *Manager) IsHardLocked(ctx context.Context, r Resource) (bool, error) {
	l, err := m.ActiveLockFor(ctx, r)
	if err != nil {
		return false, err
	}
	return l != nil && !l.Warning, nil
}

// List returns every active lock, oldest first
func (m *Manager) List(ctx context.Context) ([]*Lock, error) {
	return m.store.ListActive(ctx, m.now())
}

// Reap deletes expired lock rows. Expired locks are already ignored by every
// query; reaping only keeps the table small.
func (m *Manager) Reap(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Infow("Reaped expired locks", logger.FieldCount, n)
	}
	return n, nil
}

// ReleaseResource removes every lock on r, used when the resource is deleted
func (m *Manager) ReleaseResource(ctx context.Context, r Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	release, err := m.scopes.Lock(ctx, r.Key())
	if err != nil {
		return err
	}
	defer release()

	n, err := m.store.DeleteScope(ctx, r)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Infow("Released locks of deleted resource", logger.FieldScope, r.Key(), logger.FieldCount, n)
	}
	return nil
}

// ResourceDeleted adapts ReleaseResource to resource.Store.OnDelete
func (m *Manager) ResourceDeleted(ctx context.Context, kind resource.Kind, id int64) error {
	return m.ReleaseResource(ctx, Resource{Kind: kind, ID: id})
}
