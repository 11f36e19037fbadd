package repo

import (
	"context"
	"os"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/logger"
)

// Workspace is the working tree one job runs in. It is never shared.
type Workspace struct {
	JobID  string
	Dir    string
	Commit string

	once   sync.Once
	err    error
	logger *zap.SugaredLogger
}

// Checkout clones the cache into a fresh directory under WorkspacesDir and
// checks out ref (exact SHA, then branch, then tag). When ref is unknown the
// cache is force-fetched and resolution is retried once.
// Workspace creation does not take the cache mutex.
func (c *Cache) Checkout(ctx context.Context, cached *CachedRepo, jobID, ref string) (*Workspace, error) {
	log := logger.LoggerFromContext(ctx, c.logger).With(
		logger.FieldJobID, jobID,
		logger.FieldRef, ref)

	dir, err := os.MkdirTemp(c.WorkspacesDir(), "job-"+jobID+"-")
	if err != nil {
		return nil, errors.Wrap(err, "create workspace directory")
	}
	ws := &Workspace{JobID: jobID, Dir: dir, logger: log}

	commit, err := c.populate(ctx, cached, ws, ref, log)
	if err != nil {
		if destroyErr := ws.Destroy(); destroyErr != nil {
			log.Warnw("Failed to remove workspace", logger.FieldWorkspace, dir, logger.FieldError, destroyErr)
		}
		return nil, err
	}

	ws.Commit = commit.String()
	log.Infow("Checked out workspace",
		logger.FieldWorkspace, dir,
		logger.FieldCommit, ws.Commit)
	return ws, nil
}

func (c *Cache) populate(ctx context.Context, cached *CachedRepo, ws *Workspace, ref string, log *zap.SugaredLogger) (plumbing.Hash, error) {
	repo, err := gogit.PlainCloneContext(ctx, ws.Dir, false, &gogit.CloneOptions{
		URL:        cached.Path,
		NoCheckout: true,
		Tags:       gogit.AllTags,
	})
	if err != nil {
		if ctx.Err() != nil {
			return plumbing.ZeroHash, errors.Wrap(ctx.Err(), "workspace clone cancelled")
		}
		return plumbing.ZeroHash, corrupt(errors.Wrapf(err, "clone cache %s", cached.Path), cached)
	}

	hash, err := Resolve(repo, ref)
	if errors.Is(err, errors.ErrRefNotFound) {
		log.Infow("Reference not in cache, fetching")
		if err := c.Fetch(ctx, cached, true); err != nil {
			return plumbing.ZeroHash, err
		}
		err = repo.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: gogit.DefaultRemoteName,
			Tags:       gogit.AllTags,
			Force:      true,
		})
		if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return plumbing.ZeroHash, corrupt(errors.Wrap(err, "refresh workspace from cache"), cached)
		}
		hash, err = Resolve(repo, ref)
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "open worktree")
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "checkout %s", hash)
	}
	return hash, nil
}

// Destroy removes the workspace directory. Safe to call more than once.
func (w *Workspace) Destroy() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			w.err = errors.Wrapf(err, "remove workspace %s", w.Dir)
			return
		}
		if w.logger != nil {
			w.logger.Debugw("Removed workspace", logger.FieldWorkspace, w.Dir)
		}
	})
	return w.err
}
