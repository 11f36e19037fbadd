// Package job holds the deployment job record, its status machine, the
// SQLite store the engine persists through, and the in-memory output buffer.
package job

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/rollout/errors"
)

// Status represents the current state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not allowed from the current state
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusErrored, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusErrored, StatusCancelled},
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSucceeded,
		StatusFailed, StatusErrored, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s may move to next
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is one request to run a command sequence against a checked-out reference
type Job struct {
	ID         string     `json:"id"`
	ProjectID  int64      `json:"project_id"`
	StageID    *int64     `json:"stage_id,omitempty"` // lock scope the job deploys to
	Ref        string     `json:"ref"`
	Command    string     `json:"command"` // one shell command per line
	UserID     int64      `json:"user_id"`
	Status     Status     `json:"status"`
	Output     []byte     `json:"-"`
	Commit     string     `json:"commit,omitempty"` // resolved SHA
	ExitStatus *int       `json:"exit_status,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Owner is the engine that started the job. HeartbeatAt is refreshed by
	// the owner while the job runs.
	Owner       *Owner     `json:"owner,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

// Owner identifies one engine instance: a process on a host, and within it
// the engine, since a process may run several.
type Owner struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	PID  int    `json:"pid"`
}

// NewOwner returns a fresh owner identity for the current process
func NewOwner() Owner {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Owner{ID: uuid.NewString(), Host: host, PID: os.Getpid()}
}

// New creates a pending job
func New(projectID int64, stageID *int64, ref, command string, userID int64) (*Job, error) {
	if projectID == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "project is required")
	}
	if ref == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "ref is required")
	}
	if command == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "command is required")
	}

	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		StageID:   stageID,
		Ref:       ref,
		Command:   command,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Claim marks the job as running on behalf of owner
func (j *Job) Claim(owner Owner) {
	j.Start()
	j.Owner = &owner
	j.HeartbeatAt = j.StartedAt
}

// Succeed marks the job as succeeded
func (j *Job) Succeed() {
	j.finish(StatusSucceeded, "")
	zero := 0
	j.ExitStatus = &zero
}

// Fail marks the job as failed with the exit status of the failing command
func (j *Job) Fail(exitStatus int) {
	j.finish(StatusFailed, "")
	j.ExitStatus = &exitStatus
	j.Error = errors.Wrapf(errors.ErrCommandFailed, "exit status %d", exitStatus).Error()
}

// Errored marks the job as errored by an internal fault
func (j *Job) Errored(err error) {
	j.finish(StatusErrored, err.Error())
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	j.finish(StatusCancelled, reason)
}

func (j *Job) finish(status Status, reason string) {
	now := time.Now()
	j.Status = status
	j.Error = reason
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// Duration is how long the job ran, or has been running
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt == nil {
		return time.Since(*j.StartedAt)
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}
