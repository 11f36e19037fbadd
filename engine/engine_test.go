//go:build !windows

package engine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/auth"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/internal/gittest"
	rollouttest "github.com/teranos/rollout/internal/testing"
	"github.com/teranos/rollout/internal/util"
	"github.com/teranos/rollout/job"
	"github.com/teranos/rollout/lock"
	"github.com/teranos/rollout/repo"
	"github.com/teranos/rollout/resource"
	"github.com/teranos/rollout/runner"
)

type fixture struct {
	origin    *gittest.Repo
	cache     *repo.Cache
	jobs      *job.Store
	locks     *lock.Manager
	resources *resource.Store
	users     *auth.Directory
	engine    *Engine
	service   *Service

	project  int64
	stage    int64
	admin    *auth.User
	deployer *auth.User
	viewer   *auth.User
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	conn := rollouttest.CreateTestDB(t)
	nop := zap.NewNop().Sugar()
	ctx := context.Background()

	f := &fixture{
		origin:    gittest.New(t),
		jobs:      job.NewStore(conn),
		resources: resource.NewStore(conn),
		users:     auth.NewDirectory(conn),
	}
	f.locks = lock.NewManager(conn, f.resources, nil, nop)
	f.resources.OnDelete(f.locks.ResourceDeleted)

	var err error
	f.cache, err = repo.NewCache(repo.Config{BaseDir: t.TempDir()}, nop)
	require.NoError(t, err)

	f.engine = f.newEngine(t, cfg)
	f.service = NewService(f.engine, f.jobs, f.locks, f.users)

	project, err := f.resources.CreateProject(ctx, "app", f.origin.URL())
	require.NoError(t, err)
	f.project = project.ID
	env, err := f.resources.CreateEnvironment(ctx, "staging", false)
	require.NoError(t, err)
	stage, err := f.resources.CreateStage(ctx, f.project, env.ID, "staging", false)
	require.NoError(t, err)
	f.stage = stage.ID

	f.admin, err = f.users.Create(ctx, "ada", auth.RoleAdmin)
	require.NoError(t, err)
	f.deployer, err = f.users.Create(ctx, "dee", auth.RoleDeployer)
	require.NoError(t, err)
	f.viewer, err = f.users.Create(ctx, "vic", auth.RoleViewer)
	require.NoError(t, err)
	return f
}

// newEngine creates an engine sharing the fixture's database and cache, as a
// second rollout process would
func (f *fixture) newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	nop := zap.NewNop().Sugar()
	e := New(f.jobs, f.cache, runner.New(runner.Config{KillGrace: 500 * time.Millisecond}, nop), f.locks, f.resources, cfg, nop)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx)
	})
	return e
}

func (f *fixture) newJob(t *testing.T, ref, command string) *job.Job {
	t.Helper()
	j, err := job.New(f.project, util.Ptr(f.stage), ref, command, f.deployer.ID)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(context.Background(), j))
	return j
}

func (f *fixture) workspaces(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.cache.WorkspacesDir())
	require.NoError(t, err)
	return entries
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	return lines[len(lines)-1]
}

func TestConfigFromAm(t *testing.T) {
	cfg := am.Default()
	cfg.Locks.Cascade = true
	cfg.Engine.HeartbeatIntervalSeconds = 5
	cfg.Engine.OrphanAfterSeconds = 30

	got := ConfigFromAm(cfg)
	assert.True(t, got.Cascade)
	assert.Equal(t, 5*time.Second, got.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, got.OrphanAfter)

	e := New(nil, nil, nil, nil, nil, Config{HeartbeatInterval: time.Minute}, zap.NewNop().Sugar())
	assert.Equal(t, time.Minute, e.cfg.HeartbeatInterval)
	assert.Equal(t, 3*time.Minute, e.cfg.OrphanAfter, "orphan window always exceeds the heartbeat interval")
	assert.NotEmpty(t, e.Owner().ID)
	assert.Equal(t, os.Getpid(), e.Owner().PID)
}

func TestStartAndWait_Monkey(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	j := f.newJob(t, "master", "echo monkey > foo\ncat foo")

	status, err := f.engine.StartAndWait(ctx, j, f.deployer)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status)

	stored, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, stored.Status)
	assert.Equal(t, "monkey", lastLine(stored.Output))
	assert.Contains(t, string(stored.Output), runner.EchoPrefix+"echo monkey > foo\n")
	assert.Equal(t, f.origin.Head(), stored.Commit)
	require.NotNil(t, stored.ExitStatus)
	assert.Equal(t, 0, *stored.ExitStatus)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.FinishedAt)

	assert.Empty(t, f.workspaces(t), "workspace is destroyed")
}

func TestStartAndWait_Armageddon(t *testing.T) {
	f := setup(t, Config{})
	f.origin.Branch("armageddon")
	sha := f.origin.Commit("DOOM", "the end is nigh\n", "Prepare for armageddon")
	f.origin.Checkout("master")

	x, err := f.engine.Start(context.Background(), f.newJob(t, "armageddon", "cat DOOM"), f.deployer)
	require.NoError(t, err)
	status, err := x.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status)
	assert.Equal(t, sha, x.Job().Commit)
	assert.Equal(t, "the end is nigh", lastLine(x.Output().Bytes()))
}

func TestStartAndWait_FollowsRemoteBranch(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	f.origin.Commit("VERSION", "1\n", "Release 1")

	first := f.newJob(t, "master", "cat VERSION")
	status, err := f.engine.StartAndWait(ctx, first, f.deployer)
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, status)

	head := f.origin.Commit("VERSION", "2\n", "Release 2")
	second := f.newJob(t, "master", "cat VERSION")
	status, err = f.engine.StartAndWait(ctx, second, f.deployer)
	require.NoError(t, err)
	require.Equal(t, job.StatusSucceeded, status)

	stored, err := f.jobs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", lastLine(stored.Output))

	stored, err = f.jobs.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", lastLine(stored.Output), "branch is updated to the remote tip")
	assert.Equal(t, head, stored.Commit)
	require.NotNil(t, stored.Owner)
	assert.Equal(t, f.engine.Owner(), *stored.Owner)
}

func TestStartAndWait_CommandFailure(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	j := f.newJob(t, "master", "echo before\nexit 3\necho after")

	status, err := f.engine.StartAndWait(ctx, j, f.deployer)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, status)

	stored, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExitStatus)
	assert.Equal(t, 3, *stored.ExitStatus)
	assert.Contains(t, string(stored.Output), "before\n")
	assert.NotContains(t, string(stored.Output), "after\n")
	assert.Contains(t, stored.Error, "exit status 3")
}

func TestStartAndWait_UnknownRefErrors(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	j := f.newJob(t, "no-such-branch", "true")

	status, err := f.engine.StartAndWait(ctx, j, f.deployer)
	require.NoError(t, err)
	assert.Equal(t, job.StatusErrored, status)

	stored, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "no-such-branch")
	assert.Nil(t, stored.ExitStatus)
	assert.Empty(t, f.workspaces(t))
}

func TestStartAndWait_UnreachableRepositoryErrors(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	p, err := f.resources.CreateProject(ctx, "gone", "file:///nonexistent/repo.git")
	require.NoError(t, err)
	j, err := job.New(p.ID, nil, "master", "true", f.deployer.ID)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(ctx, j))

	status, err := f.engine.StartAndWait(ctx, j, f.deployer)
	require.NoError(t, err)
	assert.Equal(t, job.StatusErrored, status)
}

func TestStart_InvalidCommandFailsFast(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	j := f.newJob(t, "master", `echo "unbalanced`)

	x, err := f.engine.Start(ctx, j, f.deployer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, runner.ErrInvalidCommand))
	require.NotNil(t, x)
	assert.Equal(t, job.StatusErrored, x.Status())
	assert.Nil(t, x.Job().StartedAt, "never ran")

	_, ok := f.engine.Lookup(j.ID)
	assert.False(t, ok)
}

func TestStart_RequiresPendingJob(t *testing.T) {
	f := setup(t, Config{})
	j := f.newJob(t, "master", "true")
	_, err := f.engine.StartAndWait(context.Background(), j, f.deployer)
	require.NoError(t, err)

	stored, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	_, err = f.engine.Start(context.Background(), stored, f.deployer)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStop_CancelsAndRemovesWorkspace(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	j := f.newJob(t, "master", "echo started\nsleep 30\necho unreachable")

	x, err := f.engine.Start(ctx, j, f.deployer)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains(x.Output().Bytes(), []byte("started\n"))
	}, 10*time.Second, 10*time.Millisecond)
	assert.Len(t, f.workspaces(t), 1)

	begin := time.Now()
	x.Stop()
	assert.Less(t, time.Since(begin), 10*time.Second)

	status, err := x.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, status)
	assert.Empty(t, f.workspaces(t))

	stored, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, stored.Status)
	assert.NotContains(t, string(stored.Output), "unreachable")

	// Idempotent once terminal
	x.Stop()
	assert.Equal(t, job.StatusCancelled, x.Status())
}

func TestStop_RacingCompletionHasOneOutcome(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := f.newJob(t, "master", "true")
		x, err := f.engine.Start(ctx, j, f.deployer)
		require.NoError(t, err)
		x.Stop()

		stored, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Contains(t, []job.Status{job.StatusSucceeded, job.StatusCancelled}, stored.Status)
		assert.Equal(t, stored.Status, x.Status())
	}
	assert.Empty(t, f.workspaces(t))
}

func TestEngineStop(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	pending := f.newJob(t, "master", "true")
	require.NoError(t, f.engine.Stop(ctx, pending.ID, "changed my mind"))
	stored, err := f.jobs.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, stored.Status)
	assert.Equal(t, "changed my mind", stored.Error)

	// Terminal jobs are left alone
	require.NoError(t, f.engine.Stop(ctx, pending.ID, "again"))

	err = f.engine.Stop(ctx, "missing", "x")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLocks_WarningDoesNotBlock(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	_, err := f.locks.Lock(ctx, lock.Stage(f.stage), f.admin, "be careful", lock.Options{Warning: true})
	require.NoError(t, err)

	status, err := f.engine.StartAndWait(ctx, f.newJob(t, "master", "true"), f.deployer)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status)
}

func TestLocks_HardLockBlocksUnlessAdmin(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	held, err := f.locks.Lock(ctx, lock.Stage(f.stage), f.deployer, "database migration", lock.Options{})
	require.NoError(t, err)

	j := f.newJob(t, "master", "touch ran")
	x, err := f.engine.Start(ctx, j, f.deployer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLockConflict))
	var conflict *lock.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, held.ID, conflict.Lock.ID)

	require.NotNil(t, x)
	assert.Equal(t, job.StatusErrored, x.Status())
	stored, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusErrored, stored.Status)
	assert.Contains(t, stored.Error, "database migration")
	assert.Nil(t, stored.StartedAt)
	assert.Empty(t, f.workspaces(t))

	status, err := f.engine.StartAndWait(ctx, f.newJob(t, "master", "true"), f.admin)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status, "admins override")
}

func TestLocks_Cascade(t *testing.T) {
	ctx := context.Background()

	independent := setup(t, Config{})
	_, err := independent.locks.Lock(ctx, lock.Global(), independent.admin, "freeze", lock.Options{})
	require.NoError(t, err)
	status, err := independent.engine.StartAndWait(ctx, independent.newJob(t, "master", "true"), independent.deployer)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status, "scopes are independent by default")

	cascading := setup(t, Config{Cascade: true})
	_, err = cascading.locks.Lock(ctx, lock.Global(), cascading.admin, "freeze", lock.Options{})
	require.NoError(t, err)
	_, err = cascading.engine.StartAndWait(ctx, cascading.newJob(t, "master", "true"), cascading.deployer)
	assert.True(t, errors.Is(err, errors.ErrLockConflict))

	_, err = cascading.locks.Unlock(ctx, lock.Global(), cascading.admin)
	require.NoError(t, err)
	stage, err := cascading.resources.GetStage(ctx, cascading.stage)
	require.NoError(t, err)
	_, err = cascading.locks.Lock(ctx, lock.Environment(*stage.EnvironmentID), cascading.admin, "env freeze", lock.Options{})
	require.NoError(t, err)
	_, err = cascading.engine.StartAndWait(ctx, cascading.newJob(t, "master", "true"), cascading.deployer)
	assert.True(t, errors.Is(err, errors.ErrLockConflict))
}

func TestRecoverOrphans(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	pending := f.newJob(t, "master", "true")
	running := f.newJob(t, "master", "true")
	require.NoError(t, f.jobs.Transition(ctx, running, (*job.Job).Start))
	done := f.newJob(t, "master", "true")
	_, err := f.engine.StartAndWait(ctx, done, f.deployer)
	require.NoError(t, err)

	n, err := f.engine.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "unowned jobs get a grace period")

	f.engine.now = func() time.Time { return time.Now().Add(2 * DefaultOrphanAfter) }
	n, err = f.engine.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{pending.ID, running.ID} {
		stored, err := f.jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusErrored, stored.Status)
		assert.Contains(t, stored.Error, "interrupted")
	}
	stored, err := f.jobs.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, stored.Status)
}

func TestRecoverOrphans_LeavesOtherEnginesJobsAlone(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	other := f.newEngine(t, Config{})

	j := f.newJob(t, "master", "echo started\nsleep 1\necho done")
	x, err := f.engine.Start(ctx, j, f.deployer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains(x.Output().Bytes(), []byte("started\n"))
	}, 10*time.Second, 10*time.Millisecond)

	n, err := other.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	status, err := x.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, status)
	stored, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, stored.Status)
	assert.Equal(t, "done", lastLine(stored.Output))
}

func TestRecoverOrphans_OwnerGone(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	host := f.engine.Owner().Host

	exited := exec.Command("true")
	require.NoError(t, exited.Run())

	dead := f.newJob(t, "master", "true")
	require.NoError(t, f.jobs.Transition(ctx, dead, func(j *job.Job) {
		j.Claim(job.Owner{ID: "exited", Host: host, PID: exited.Process.Pid})
	}))
	alive := f.newJob(t, "master", "true")
	require.NoError(t, f.jobs.Transition(ctx, alive, func(j *job.Job) {
		j.Claim(job.Owner{ID: "parent", Host: host, PID: os.Getppid()})
	}))
	remote := f.newJob(t, "master", "true")
	require.NoError(t, f.jobs.Transition(ctx, remote, func(j *job.Job) {
		j.Claim(job.Owner{ID: "remote", Host: "elsewhere", PID: 1})
	}))

	n, err := f.engine.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]job.Status{
		dead.ID:   job.StatusErrored,
		alive.ID:  job.StatusRunning,
		remote.ID: job.StatusRunning,
	} {
		stored, err := f.jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, stored.Status)
	}

	// Remote owners are only recognised as gone once their heartbeat is stale
	f.engine.now = func() time.Time { return time.Now().Add(2 * DefaultOrphanAfter) }
	n, err = f.engine.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecoverOrphans_HeartbeatKeepsJobOwned(t *testing.T) {
	cfg := Config{HeartbeatInterval: 20 * time.Millisecond, OrphanAfter: 200 * time.Millisecond}
	f := setup(t, cfg)
	ctx := context.Background()
	other := f.newEngine(t, cfg)

	x, err := f.engine.Start(ctx, f.newJob(t, "master", "echo started\nsleep 30"), f.deployer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains(x.Output().Bytes(), []byte("started\n"))
	}, 10*time.Second, 10*time.Millisecond)

	time.Sleep(3 * cfg.OrphanAfter)
	n, err := other.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "heartbeat is fresh")
	x.Stop()
}

func TestWait_ReportsOutcomeRecordedElsewhere(t *testing.T) {
	cfg := Config{HeartbeatInterval: 20 * time.Millisecond, OrphanAfter: time.Second}
	f := setup(t, cfg)
	ctx := context.Background()
	other := f.newEngine(t, cfg)
	other.now = func() time.Time { return time.Now().Add(time.Hour) }

	j := f.newJob(t, "master", "echo started\nsleep 30")
	x, err := f.engine.Start(ctx, j, f.deployer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains(x.Output().Bytes(), []byte("started\n"))
	}, 10*time.Second, 10*time.Millisecond)

	n, err := other.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The heartbeat notices and stops the command
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	status, err := x.Wait(waitCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.Equal(t, job.StatusErrored, status)
	assert.True(t, status.IsTerminal())
	assert.Contains(t, x.Job().Error, "interrupted")
	assert.Empty(t, f.workspaces(t))
}

func TestShutdown(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	x, err := f.engine.Start(ctx, f.newJob(t, "master", "sleep 30"), f.deployer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return x.Job().Commit != ""
	}, 10*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(shutdownCtx))
	assert.Equal(t, job.StatusCancelled, x.Status())
	assert.Contains(t, x.Job().Error, "shutting down")
	assert.Empty(t, f.engine.Live())

	_, err = f.engine.Start(ctx, f.newJob(t, "master", "true"), f.deployer)
	assert.True(t, errors.IsInvalidRequestError(err))
}
