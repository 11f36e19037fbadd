// Package repo keeps one mirror clone per project and checks references out
// of it into short-lived per-job workspaces.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/internal/util"
	"github.com/teranos/rollout/logger"
)

// ErrInsufficientDisk is returned when the cache filesystem is below the configured free space
var ErrInsufficientDisk = errors.New("insufficient disk space")

// lockRetryDelay is how often a process waiting for another process's cache
// lock retries
const lockRetryDelay = 100 * time.Millisecond

// mirrorRefSpec copies every remote ref (branches, tags, notes) into the cache as-is
const mirrorRefSpec = config.RefSpec("+refs/*:refs/*")

// Config configures a Cache
type Config struct {
	BaseDir          string
	MinFetchInterval time.Duration // 0 fetches on every non-forced request
	MinFreeBytes     uint64        // 0 disables the free space check
}

// ConfigFromAm converts the repository section of the rollout config
func ConfigFromAm(cfg am.RepositoryConfig) Config {
	return Config{
		BaseDir:          cfg.CacheDir,
		MinFetchInterval: time.Duration(cfg.MinFetchIntervalSeconds) * time.Second,
		MinFreeBytes:     uint64(cfg.MinFreeMB) * 1024 * 1024,
	}
}

// Cache owns the mirror clones under <base>/cached_repos and the workspaces
// under <base>/workspaces. Clone, fetch and removal of one cache path are
// serialised, between goroutines and between rollout processes sharing the
// base directory; different projects proceed in parallel.
type Cache struct {
	cfg    Config
	locks  *util.KeyedMutex
	logger *zap.SugaredLogger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// CachedRepo is a project's mirror clone
type CachedRepo struct {
	ProjectID int64
	URL       string
	Path      string
}

// NewCache creates the base directories and returns a Cache rooted there
func NewCache(cfg Config, log *zap.SugaredLogger) (*Cache, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("repository cache base directory is empty")
	}
	if log == nil {
		log = logger.ComponentLogger("repo")
	}

	c := &Cache{
		cfg:      cfg,
		locks:    util.NewKeyedMutex(),
		logger:   log,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, dir := range []string{c.reposDir(), c.WorkspacesDir()} {
		if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
			return nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	return c, nil
}

func (c *Cache) reposDir() string {
	return filepath.Join(c.cfg.BaseDir, "cached_repos")
}

// WorkspacesDir is where Checkout creates job workspaces
func (c *Cache) WorkspacesDir() string {
	return filepath.Join(c.cfg.BaseDir, "workspaces")
}

// Path returns the cache location for a project. It never changes for a project.
func (c *Cache) Path(projectID int64) string {
	return filepath.Join(c.reposDir(), strconv.FormatInt(projectID, 10))
}

// EnsureCloned mirror-clones repoURL when the project has no cache yet.
// An existing cache is opened and refreshed by a (rate limited) fetch.
func (c *Cache) EnsureCloned(ctx context.Context, projectID int64, repoURL string) (*CachedRepo, error) {
	cached := &CachedRepo{ProjectID: projectID, URL: repoURL, Path: c.Path(projectID)}
	log := logger.LoggerFromContext(ctx, c.logger).With(
		logger.FieldProjectID, projectID,
		logger.FieldCachePath, cached.Path)

	unlock, err := c.exclusive(ctx, cached.Path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(cached.Path); err == nil {
		return cached, c.fetchLocked(ctx, cached, false, log)
	} else if !os.IsNotExist(err) {
		return nil, errors.Mark(errors.Wrapf(err, "stat cache %s", cached.Path), errors.ErrRepositoryCorrupt)
	}

	if err := c.checkFreeSpace(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	log.Infow("Cloning repository", logger.FieldRepoURL, repoURL)
	_, err = gogit.PlainCloneContext(ctx, cached.Path, true, &gogit.CloneOptions{
		URL:    repoURL,
		Mirror: true,
		Tags:   gogit.AllTags,
	})
	if err != nil {
		// A partial clone would be mistaken for a cache on the next run
		if rmErr := os.RemoveAll(cached.Path); rmErr != nil {
			log.Warnw("Failed to remove partial clone", logger.FieldError, rmErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "clone cancelled")
		}
		return nil, errors.Mark(errors.Wrapf(err, "clone %s", repoURL), errors.ErrRepositoryUnreachable)
	}

	// A fresh clone counts as the latest fetch
	c.limiter(cached.Path).Allow()
	log.Infow("Repository cloned", logger.FieldDurationMS, time.Since(start).Milliseconds())
	return cached, nil
}

// Fetch updates every ref of the cache from the remote. A non-forced fetch is
// skipped when the previous one was less than MinFetchInterval ago.
func (c *Cache) Fetch(ctx context.Context, cached *CachedRepo, force bool) error {
	unlock, err := c.exclusive(ctx, cached.Path)
	if err != nil {
		return err
	}
	defer unlock()

	log := logger.LoggerFromContext(ctx, c.logger).With(
		logger.FieldProjectID, cached.ProjectID,
		logger.FieldCachePath, cached.Path)
	return c.fetchLocked(ctx, cached, force, log)
}

func (c *Cache) fetchLocked(ctx context.Context, cached *CachedRepo, force bool, log *zap.SugaredLogger) error {
	if !c.limiter(cached.Path).Allow() && !force {
		log.Debugw("Skipping fetch, cache fetched recently")
		return nil
	}

	repo, err := c.open(cached)
	if err != nil {
		return err
	}

	start := time.Now()
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: gogit.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{mirrorRefSpec},
		Tags:       gogit.AllTags,
		Force:      true,
		Prune:      true,
	})
	switch {
	case err == nil:
		log.Infow("Fetched repository", logger.FieldDurationMS, time.Since(start).Milliseconds())
		return nil
	case errors.Is(err, gogit.NoErrAlreadyUpToDate):
		log.Debugw("Repository already up to date")
		return nil
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), "fetch cancelled")
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return corrupt(errors.Wrapf(err, "fetch into %s", cached.Path), cached)
	default:
		return errors.Mark(errors.Wrapf(err, "fetch %s", cached.URL), errors.ErrRepositoryUnreachable)
	}
}

// open opens the mirror; a cache that cannot be opened must be re-created
func (c *Cache) open(cached *CachedRepo) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(cached.Path)
	if err != nil {
		return nil, corrupt(errors.Wrapf(err, "open cache %s", cached.Path), cached)
	}
	return repo, nil
}

func corrupt(err error, cached *CachedRepo) error {
	err = errors.Mark(err, errors.ErrRepositoryCorrupt)
	return errors.WithHintf(err, "re-create the cache with `rollout cache rm %d`", cached.ProjectID)
}

// Remove deletes a project's cache so the next run clones it again
func (c *Cache) Remove(ctx context.Context, projectID int64) error {
	path := c.Path(projectID)
	unlock, err := c.exclusive(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "remove cache %s", path)
	}

	c.limitersMu.Lock()
	delete(c.limiters, path)
	c.limitersMu.Unlock()

	c.logger.Infow("Removed repository cache", logger.FieldProjectID, projectID, logger.FieldCachePath, path)
	return nil
}

// exclusive enters the section for one cache path: the in-process keyed
// mutex first, then an OS file lock on <path>.lock held by this process.
func (c *Cache) exclusive(ctx context.Context, path string) (func(), error) {
	unlock, err := c.locks.Lock(ctx, path)
	if err != nil {
		return nil, err
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err == nil && !locked {
		err = errors.Newf("cache lock %s not acquired", fl.Path())
	}
	if err != nil {
		unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "waiting for cache lock %s", fl.Path())
		}
		return nil, errors.Wrapf(err, "lock cache %s", path)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			c.logger.Warnw("Failed to release cache lock", logger.FieldPath, fl.Path(), logger.FieldError, err)
		}
		unlock()
	}, nil
}

func (c *Cache) limiter(path string) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	l, ok := c.limiters[path]
	if !ok {
		limit := rate.Inf
		if c.cfg.MinFetchInterval > 0 {
			limit = rate.Every(c.cfg.MinFetchInterval)
		}
		l = rate.NewLimiter(limit, 1)
		c.limiters[path] = l
	}
	return l
}

func (c *Cache) checkFreeSpace(ctx context.Context) error {
	if c.cfg.MinFreeBytes == 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, c.cfg.BaseDir)
	if err != nil {
		return errors.Wrapf(err, "disk usage of %s", c.cfg.BaseDir)
	}
	if usage.Free < c.cfg.MinFreeBytes {
		return errors.Mark(
			errors.Newf("%s has %d bytes free, %d required", c.cfg.BaseDir, usage.Free, c.cfg.MinFreeBytes),
			ErrInsufficientDisk)
	}
	return nil
}
