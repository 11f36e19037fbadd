package resource

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/logger"
)

// Store handles persistence of projects, environments and stages
type Store struct {
	db     *sql.DB
	hooks  []DeleteHook
	logger *zap.SugaredLogger
}

// NewStore creates a new resource store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: logger.ComponentLogger("resource")}
}

// OnDelete registers a hook called after an environment or stage is deleted
func (s *Store) OnDelete(hook DeleteHook) {
	s.hooks = append(s.hooks, hook)
}

func (s *Store) deleted(ctx context.Context, kind Kind, id int64) error {
	var errs error
	for _, hook := range s.hooks {
		if err := hook(ctx, kind, id); err != nil {
			s.logger.Warnw("Delete hook failed", "kind", kind, "id", id, logger.FieldError, err)
			if errs == nil {
				errs = err
			} else {
				errs = errors.WithSecondaryError(errs, err)
			}
		}
	}
	return errs
}

// CreateProject adds a project
func (s *Store) CreateProject(ctx context.Context, name, repoURL string) (*Project, error) {
	name, repoURL = strings.TrimSpace(name), strings.TrimSpace(repoURL)
	if name == "" || repoURL == "" {
		return nil, errors.NewInvalidRequestError("project name and repository url are required")
	}

	p := &Project{Name: name, RepositoryURL: repoURL, CreatedAt: time.Now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, repository_url, created_at) VALUES (?, ?, ?)`,
		p.Name, p.RepositoryURL, p.CreatedAt.UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create project %s", name)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "failed to read project id")
	}
	return p, nil
}

const projectColumns = `id, name, repository_url, created_at`

// GetProject finds a project by id
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	return p, notFound(err, "project %d", id)
}

// GetProjectByName finds a project by name
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
	return p, notFound(err, "project %q", name)
}

// ListProjects returns all projects ordered by name
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan project")
		}
		projects = append(projects, p)
	}
	return projects, errors.Wrap(rows.Err(), "error iterating projects")
}

// DeleteProject removes a project and its stages. Projects with job history
// cannot be deleted.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	stages, err := s.ListStages(ctx, id)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete project %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("project %d", id)
	}

	var errs error
	for _, stage := range stages {
		if err := s.deleted(ctx, KindStage, stage.ID); err != nil && errs == nil {
			errs = err
		}
	}
	return errs
}

// CreateEnvironment adds an environment
func (s *Store) CreateEnvironment(ctx context.Context, name string, production bool) (*Environment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewInvalidRequestError("environment name is required")
	}

	e := &Environment{Name: name, Production: production, CreatedAt: time.Now()}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (name, production, created_at) VALUES (?, ?, ?)`,
		e.Name, e.Production, e.CreatedAt.UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create environment %s", name)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "failed to read environment id")
	}
	return e, nil
}

const environmentColumns = `id, name, production, created_at`

// GetEnvironment finds an environment by id
func (s *Store) GetEnvironment(ctx context.Context, id int64) (*Environment, error) {
	e, err := scanEnvironment(s.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE id = ?`, id))
	return e, notFound(err, "environment %d", id)
}

// GetEnvironmentByName finds an environment by name
func (s *Store) GetEnvironmentByName(ctx context.Context, name string) (*Environment, error) {
	e, err := scanEnvironment(s.db.QueryRowContext(ctx, `SELECT `+environmentColumns+` FROM environments WHERE name = ?`, name))
	return e, notFound(err, "environment %q", name)
}

// ListEnvironments returns all environments ordered by name
func (s *Store) ListEnvironments(ctx context.Context) ([]*Environment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+environmentColumns+` FROM environments ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list environments")
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan environment")
		}
		envs = append(envs, e)
	}
	return envs, errors.Wrap(rows.Err(), "error iterating environments")
}

// DeleteEnvironment removes an environment; its stages stay, detached
func (s *Store) DeleteEnvironment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete environment %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("environment %d", id)
	}
	return s.deleted(ctx, KindEnvironment, id)
}

// CreateStage adds a stage. environmentID 0 leaves the stage without environment.
func (s *Store) CreateStage(ctx context.Context, projectID, environmentID int64, name string, production bool) (*Stage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewInvalidRequestError("stage name is required")
	}

	var env interface{}
	if environmentID != 0 {
		env = environmentID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stages (project_id, environment_id, name, production, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, env, name, production, time.Now().UnixNano())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stage %s", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read stage id")
	}
	return s.GetStage(ctx, id)
}

const stageQuery = `SELECT s.id, s.project_id, s.environment_id, s.name, s.production, s.created_at,
	COALESCE(e.production, 0)
	FROM stages s LEFT JOIN environments e ON e.id = s.environment_id`

// GetStage finds a stage by id
func (s *Store) GetStage(ctx context.Context, id int64) (*Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, stageQuery+` WHERE s.id = ?`, id))
	return st, notFound(err, "stage %d", id)
}

// GetStageByName finds a project's stage by name
func (s *Store) GetStageByName(ctx context.Context, projectID int64, name string) (*Stage, error) {
	st, err := scanStage(s.db.QueryRowContext(ctx, stageQuery+` WHERE s.project_id = ? AND s.name = ?`, projectID, name))
	return st, notFound(err, "stage %q", name)
}

// ListStages returns the stages of a project (all stages for projectID 0)
func (s *Store) ListStages(ctx context.Context, projectID int64) ([]*Stage, error) {
	query, args := stageQuery+` ORDER BY s.project_id, s.name`, []interface{}{}
	if projectID != 0 {
		query, args = stageQuery+` WHERE s.project_id = ? ORDER BY s.name`, []interface{}{projectID}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stages")
	}
	defer rows.Close()

	var stages []*Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan stage")
		}
		stages = append(stages, st)
	}
	return stages, errors.Wrap(rows.Err(), "error iterating stages")
}

// DeleteStage removes a stage
func (s *Store) DeleteStage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stages WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete stage %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("stage %d", id)
	}
	return s.deleted(ctx, KindStage, id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*Project, error) {
	var p Project
	var created int64
	if err := row.Scan(&p.ID, &p.Name, &p.RepositoryURL, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, created)
	return &p, nil
}

func scanEnvironment(row scanner) (*Environment, error) {
	var e Environment
	var created int64
	if err := row.Scan(&e.ID, &e.Name, &e.Production, &created); err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(0, created)
	return &e, nil
}

func scanStage(row scanner) (*Stage, error) {
	var st Stage
	var env sql.NullInt64
	var created int64
	if err := row.Scan(&st.ID, &st.ProjectID, &env, &st.Name, &st.Production, &created, &st.EnvironmentProduction); err != nil {
		return nil, err
	}
	if env.Valid {
		id := env.Int64
		st.EnvironmentID = &id
	}
	st.CreatedAt = time.Unix(0, created)
	return &st, nil
}

// notFound maps sql.ErrNoRows to ErrNotFound and wraps other errors
func notFound(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError(format, args...)
	}
	return errors.Wrapf(err, "failed to get "+format, args...)
}
