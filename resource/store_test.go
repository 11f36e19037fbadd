package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/rollout/errors"
	rollouttest "github.com/teranos/rollout/internal/testing"
)

type deletion struct {
	kind Kind
	id   int64
}

func setupStore(t *testing.T) (*Store, *[]deletion) {
	t.Helper()
	s := NewStore(rollouttest.CreateTestDB(t))
	var deleted []deletion
	s.OnDelete(func(_ context.Context, kind Kind, id int64) error {
		deleted = append(deleted, deletion{kind, id})
		return nil
	})
	return s, &deleted
}

func TestKind(t *testing.T) {
	assert.True(t, KindGlobal.IsValid())
	assert.True(t, KindStage.IsValid())
	assert.False(t, Kind("project").IsValid())
}

func TestProjects(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "samson", "https://github.com/zendesk/samson.git")
	require.NoError(t, err)
	assert.NotZero(t, p.ID)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/zendesk/samson.git", got.RepositoryURL)

	byName, err := s.GetProjectByName(ctx, "samson")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	_, err = s.CreateProject(ctx, "samson", "elsewhere")
	assert.Error(t, err)
	_, err = s.CreateProject(ctx, "", "url")
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = s.GetProject(ctx, 404)
	assert.True(t, errors.IsNotFoundError(err))

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStageProduction(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "app", "url")
	require.NoError(t, err)
	prodEnv, err := s.CreateEnvironment(ctx, "production", true)
	require.NoError(t, err)
	stagingEnv, err := s.CreateEnvironment(ctx, "staging", false)
	require.NoError(t, err)

	tests := []struct {
		name       string
		env        int64
		flag       bool
		production bool
	}{
		{"own flag", 0, true, true},
		{"production environment", prodEnv.ID, false, true},
		{"staging environment", stagingEnv.ID, false, false},
		{"no environment", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := s.CreateStage(ctx, p.ID, tt.env, tt.name, tt.flag)
			require.NoError(t, err)
			assert.Equal(t, tt.production, st.IsProduction())
			if tt.env != 0 {
				require.NotNil(t, st.EnvironmentID)
				assert.Equal(t, tt.env, *st.EnvironmentID)
			} else {
				assert.Nil(t, st.EnvironmentID)
			}
		})
	}

	stages, err := s.ListStages(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stages, 4)

	byName, err := s.GetStageByName(ctx, p.ID, "own flag")
	require.NoError(t, err)
	assert.True(t, byName.Production)
}

func TestDeleteNotifiesHooks(t *testing.T) {
	s, deleted := setupStore(t)
	ctx := context.Background()

	p, err := s.CreateProject(ctx, "app", "url")
	require.NoError(t, err)
	env, err := s.CreateEnvironment(ctx, "staging", false)
	require.NoError(t, err)
	a, err := s.CreateStage(ctx, p.ID, env.ID, "a", false)
	require.NoError(t, err)
	b, err := s.CreateStage(ctx, p.ID, 0, "b", false)
	require.NoError(t, err)

	require.NoError(t, s.DeleteEnvironment(ctx, env.ID))
	stage, err := s.GetStage(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, stage.EnvironmentID, "stages outlive their environment")

	require.NoError(t, s.DeleteStage(ctx, a.ID))
	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err = s.GetStage(ctx, b.ID)
	assert.True(t, errors.IsNotFoundError(err), "project deletion cascades to stages")

	assert.Equal(t, []deletion{
		{KindEnvironment, env.ID},
		{KindStage, a.ID},
		{KindStage, b.ID},
	}, *deleted)

	assert.True(t, errors.IsNotFoundError(s.DeleteStage(ctx, a.ID)))
	assert.True(t, errors.IsNotFoundError(s.DeleteEnvironment(ctx, env.ID)))
	assert.True(t, errors.IsNotFoundError(s.DeleteProject(ctx, p.ID)))
}

func TestDeleteHookErrorSurfaces(t *testing.T) {
	s := NewStore(rollouttest.CreateTestDB(t))
	ctx := context.Background()
	s.OnDelete(func(context.Context, Kind, int64) error { return errors.New("locks unavailable") })

	env, err := s.CreateEnvironment(ctx, "qa", false)
	require.NoError(t, err)
	err = s.DeleteEnvironment(ctx, env.ID)
	assert.ErrorContains(t, err, "locks unavailable")
}
