package job

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/rollout/errors"
	rollouttest "github.com/teranos/rollout/internal/testing"
)

func setupStore(t *testing.T) (*Store, *sql.DB, int64) {
	t.Helper()
	db := rollouttest.CreateTestDB(t)
	projectID := rollouttest.InsertProject(t, db, "samson", "https://example.com/samson.git")
	return NewStore(db), db, projectID
}

func createJob(t *testing.T, s *Store, projectID int64) *Job {
	t.Helper()
	j, err := New(projectID, nil, "master", "echo monkey > foo\ncat foo", 1)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), j))
	return j
}

func TestStore_CreateAndGet(t *testing.T) {
	s, db, projectID := setupStore(t)
	stageID := rollouttest.InsertStage(t, db, projectID, 0, "staging", false)
	ctx := context.Background()

	j, err := New(projectID, &stageID, "v1.2.3", "make deploy", 42)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, projectID, got.ProjectID)
	require.NotNil(t, got.StageID)
	assert.Equal(t, stageID, *got.StageID)
	assert.Equal(t, "v1.2.3", got.Ref)
	assert.Equal(t, "make deploy", got.Command)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, j.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExitStatus)
	assert.Empty(t, got.Output)
}

func TestStore_GetNotFound(t *testing.T) {
	s, _, _ := setupStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = s.Output(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_Transition(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)

	require.NoError(t, s.Transition(ctx, j, (*Job).Start))
	assert.Equal(t, StatusRunning, j.Status)

	require.NoError(t, s.Transition(ctx, j, func(j *Job) { j.Fail(3) }))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ExitStatus)
	assert.Equal(t, 3, *got.ExitStatus)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.Contains(t, got.Error, "exit status 3")
}

func TestStore_TransitionRejectsIllegalMoves(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)

	err := s.Transition(ctx, j, (*Job).Succeed)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot succeed without running")
	assert.Equal(t, StatusPending, j.Status, "job untouched on error")

	require.NoError(t, s.Transition(ctx, j, func(j *Job) { j.Cancel("stopped") }))
	err = s.Transition(ctx, j, (*Job).Start)
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal states are final")
}

func TestStore_TransitionIsCompareAndSet(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)
	require.NoError(t, s.Transition(ctx, j, (*Job).Start))

	// Natural completion and a stop race from the same in-memory state
	var wins int32
	var wg sync.WaitGroup
	finishers := []func(*Job){
		(*Job).Succeed,
		func(j *Job) { j.Cancel("stopped") },
		func(j *Job) { j.Errored(errors.New("disk full")) },
	}
	for _, finish := range finishers {
		copyOf := *j
		wg.Add(1)
		go func(finish func(*Job)) {
			defer wg.Done()
			if err := s.Transition(ctx, &copyOf, finish); err == nil {
				atomic.AddInt32(&wins, 1)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}(finish)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one terminal transition")
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
}

func TestStore_AppendOutputKeepsOrder(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)

	for _, chunk := range []string{"» echo monkey > foo\n", "» cat foo\n", "monkey\n"} {
		require.NoError(t, s.AppendOutput(ctx, j.ID, []byte(chunk)))
	}
	require.NoError(t, s.AppendOutput(ctx, j.ID, nil))

	out, err := s.Output(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "» echo monkey > foo\n» cat foo\nmonkey\n", string(out))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, out, got.Output)

	err = s.AppendOutput(ctx, "missing", []byte("x"))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_AppendOutputManyChunks(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)

	var want []byte
	for i := 0; i < 500; i++ {
		chunk := []byte(fmt.Sprintf("line %d\n", i))
		want = append(want, chunk...)
		require.NoError(t, s.AppendOutput(ctx, j.ID, chunk))
	}

	out, err := s.Output(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(out))

	summary, err := s.Summary(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, summary.Output)
}

func TestStore_ClaimAndHeartbeat(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)
	owner := Owner{ID: "engine-1", Host: "deploy-01", PID: 4242}

	require.NoError(t, s.Transition(ctx, j, func(j *Job) { j.Claim(owner) }))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.Owner)
	assert.Equal(t, owner, *got.Owner)
	require.NotNil(t, got.HeartbeatAt)
	assert.Equal(t, got.StartedAt.UnixNano(), got.HeartbeatAt.UnixNano())

	later := got.HeartbeatAt.Add(time.Minute)
	ok, err := s.Heartbeat(ctx, j.ID, owner.ID, later)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, later.UnixNano(), got.HeartbeatAt.UnixNano())

	ok, err = s.Heartbeat(ctx, j.ID, "engine-2", later)
	require.NoError(t, err)
	assert.False(t, ok, "only the owner refreshes the heartbeat")

	require.NoError(t, s.Transition(ctx, j, (*Job).Succeed))
	ok, err = s.Heartbeat(ctx, j.ID, owner.ID, later)
	require.NoError(t, err)
	assert.False(t, ok, "finished jobs take no heartbeat")
}

func TestStore_SetCommit(t *testing.T) {
	s, _, projectID := setupStore(t)
	ctx := context.Background()
	j := createJob(t, s, projectID)

	require.NoError(t, s.SetCommit(ctx, j.ID, "0123456789abcdef0123456789abcdef01234567"))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", got.Commit)
}

func TestStore_ListAndUnfinished(t *testing.T) {
	s, db, projectID := setupStore(t)
	other := rollouttest.InsertProject(t, db, "other", "https://example.com/other.git")
	ctx := context.Background()

	pending := createJob(t, s, projectID)
	time.Sleep(time.Millisecond)
	running := createJob(t, s, projectID)
	require.NoError(t, s.Transition(ctx, running, (*Job).Start))
	time.Sleep(time.Millisecond)
	done := createJob(t, s, other)
	require.NoError(t, s.Transition(ctx, done, (*Job).Start))
	require.NoError(t, s.Transition(ctx, done, (*Job).Succeed))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, done.ID, all[0].ID, "newest first")

	byProject, err := s.List(ctx, Filter{ProjectID: projectID})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byStatus, err := s.List(ctx, Filter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, running.ID, byStatus[0].ID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	unfinished, err := s.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	assert.Equal(t, pending.ID, unfinished[0].ID, "oldest first")
	assert.Equal(t, running.ID, unfinished[1].ID)
}

func TestStore_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewStore(db)
	ctx := context.Background()

	j, err := New(1, nil, "master", "make", 1)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("disk I/O error"))
	err = s.Create(ctx, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create job")
	assert.Contains(t, errors.FlattenDetails(err), j.ID)

	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.Transition(ctx, j, (*Job).Start)
	assert.ErrorIs(t, err, ErrInvalidTransition, "row changed underneath")
	assert.Equal(t, StatusPending, j.Status)

	mock.ExpectExec("INSERT INTO job_output").WillReturnError(errors.New("database is locked"))
	err = s.AppendOutput(ctx, j.ID, []byte("x"))
	assert.Contains(t, err.Error(), "failed to append output")

	mock.ExpectQuery("SELECT .* FROM jobs").WillReturnError(errors.New("no such table: jobs"))
	_, err = s.List(ctx, Filter{})
	assert.Contains(t, err.Error(), "failed to list jobs")

	assert.NoError(t, mock.ExpectationsWereMet())
}
