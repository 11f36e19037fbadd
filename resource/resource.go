// Package resource stores the deployable things rollout knows about:
// projects (a repository), environments, and the stages that deploy a
// project into an environment.
package resource

import (
	"context"
	"time"
)

// Kind names a lockable scope
type Kind string

const (
	KindGlobal      Kind = "global"
	KindEnvironment Kind = "environment"
	KindStage       Kind = "stage"
)

// IsValid reports whether k is a known scope kind
func (k Kind) IsValid() bool {
	switch k {
	case KindGlobal, KindEnvironment, KindStage:
		return true
	default:
		return false
	}
}

// Project is a deployable repository
type Project struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	RepositoryURL string    `json:"repository_url"`
	CreatedAt     time.Time `json:"created_at"`
}

// Environment groups stages, e.g. staging or production
type Environment struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Production bool      `json:"production"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stage deploys one project, optionally into an environment
type Stage struct {
	ID            int64     `json:"id"`
	ProjectID     int64     `json:"project_id"`
	EnvironmentID *int64    `json:"environment_id,omitempty"`
	Name          string    `json:"name"`
	Production    bool      `json:"production"` // the stage's own flag
	CreatedAt     time.Time `json:"created_at"`

	// Set when the stage's environment is production
	EnvironmentProduction bool `json:"environment_production"`
}

// IsProduction reports whether the stage deploys to production, through its
// own flag or its environment
func (s *Stage) IsProduction() bool {
	return s.Production || s.EnvironmentProduction
}

// DeleteHook is told about every deleted environment and stage, so records
// that reference them (locks) can be removed too
type DeleteHook func(ctx context.Context, kind Kind, id int64) error
