package job

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/rollout/errors"
)

// DefaultListLimit bounds List when the filter sets no limit
const DefaultListLimit = 100

// Store handles persistence of jobs. It is the only writer of the jobs table.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new job
func (s *Store) Create(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownerID, ownerHost, ownerPID := ownerColumns(j.Owner)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, nullableInt64(j.StageID), j.Ref, j.Command, j.UserID, j.Status,
		j.Commit, nullableInt(j.ExitStatus), j.Error,
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(), toNanos(j.StartedAt), toNanos(j.FinishedAt),
		ownerID, ownerHost, ownerPID, toNanos(j.HeartbeatAt),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}
	return nil
}

// Get retrieves a job, output included
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Output, err = s.chunks(ctx, id); err != nil {
		return nil, err
	}
	return j, nil
}

// Summary retrieves a job without its output
func (s *Store) Summary(ctx context.Context, id string) (*Job, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return j, nil
}

// Output returns the persisted output of a job
func (s *Store) Output(ctx context.Context, id string) ([]byte, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read output of job %s", id)
	}
	if !exists {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return s.chunks(ctx, id)
}

func (s *Store) chunks(ctx context.Context, id string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk FROM job_output WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read output of job %s", id)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, errors.Wrapf(err, "failed to scan output of job %s", id)
		}
		out = append(out, chunk...)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating output of job %s", id)
	}
	return out, nil
}

// Filter narrows List
type Filter struct {
	Status    Status // empty = any
	ProjectID int64  // 0 = any
	Limit     int    // 0 = DefaultListLimit
}

// List returns jobs newest first, without output
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ProjectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.query(ctx, "jobs", query, args...)
}

// ListUnfinished returns pending and running jobs, oldest first
func (s *Store) ListUnfinished(ctx context.Context) ([]*Job, error) {
	return s.query(ctx, "unfinished jobs", `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC`)
}

func (s *Store) query(ctx context.Context, what, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", what)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// Transition applies a status change to j and persists it. The update only
// lands when the stored status still equals j.Status, so two racing
// transitions out of the same state cannot both succeed. On error j is left
// unchanged.
func (s *Store) Transition(ctx context.Context, j *Job, apply func(*Job)) error {
	next := *j
	apply(&next)
	if !j.Status.CanTransition(next.Status) {
		err := errors.Wrapf(ErrInvalidTransition, "%s -> %s", j.Status, next.Status)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ownerID, ownerHost, ownerPID := ownerColumns(next.Owner)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    commit_sha = ?,
		    exit_status = ?,
		    error = ?,
		    updated_at = ?,
		    started_at = ?,
		    finished_at = ?,
		    owner_id = ?,
		    owner_host = ?,
		    owner_pid = ?,
		    heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		next.Status, next.Commit, nullableInt(next.ExitStatus), next.Error,
		next.UpdatedAt.UnixNano(), toNanos(next.StartedAt), toNanos(next.FinishedAt),
		ownerID, ownerHost, ownerPID, toNanos(next.HeartbeatAt),
		j.ID, j.Status,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job status")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		return errors.WithDetail(err, fmt.Sprintf("Status: %s -> %s", j.Status, next.Status))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		err := errors.Wrapf(ErrInvalidTransition, "job %s is no longer %s", j.ID, j.Status)
		return errors.WithDetail(err, fmt.Sprintf("Wanted: %s", next.Status))
	}

	*j = next
	return nil
}

// SetCommit records the resolved SHA of a running job
func (s *Store) SetCommit(ctx context.Context, id, commit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET commit_sha = ?, updated_at = ? WHERE id = ?`,
		commit, time.Now().UnixNano(), id)
	return errors.Wrapf(err, "failed to set commit of job %s", id)
}

// Heartbeat records that owner is still executing a running job. It reports
// false when the job is no longer running under that owner.
func (s *Store) Heartbeat(ctx context.Context, id, ownerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ?
		WHERE id = ? AND owner_id = ? AND status = ?`,
		at.UnixNano(), id, ownerID, StatusRunning)
	if err != nil {
		return false, errors.Wrapf(err, "failed to record heartbeat of job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// AppendOutput stores a chunk after the existing output of a job
func (s *Store) AppendOutput(ctx context.Context, id string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_output (job_id, seq, chunk)
		SELECT id, COALESCE((SELECT MAX(seq) FROM job_output WHERE job_id = jobs.id), 0) + 1, ?
		FROM jobs WHERE id = ?`,
		chunk, id)
	if err != nil {
		return errors.Wrapf(err, "failed to append output of job %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
