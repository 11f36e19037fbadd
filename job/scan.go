package job

import (
	"database/sql"
	"time"
)

// scanArgs holds the nullable columns of a job row
type scanArgs struct {
	StageID     sql.NullInt64
	ExitStatus  sql.NullInt64
	CreatedAt   int64
	UpdatedAt   int64
	StartedAt   sql.NullInt64
	FinishedAt  sql.NullInt64
	OwnerID     string
	OwnerHost   string
	OwnerPID    int
	HeartbeatAt sql.NullInt64
}

// jobColumns is the column list scanTargets expects. Output lives in
// job_output and is read separately.
const jobColumns = `id, project_id, stage_id, ref, command, user_id, status,
	commit_sha, exit_status, error,
	created_at, updated_at, started_at, finished_at,
	owner_id, owner_host, owner_pid, heartbeat_at`

func scanTargets(j *Job, args *scanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.ProjectID,
		&args.StageID,
		&j.Ref,
		&j.Command,
		&j.UserID,
		&j.Status,
		&j.Commit,
		&args.ExitStatus,
		&j.Error,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&args.OwnerID,
		&args.OwnerHost,
		&args.OwnerPID,
		&args.HeartbeatAt,
	}
}

func (args *scanArgs) apply(j *Job) {
	if args.StageID.Valid {
		id := args.StageID.Int64
		j.StageID = &id
	}
	if args.ExitStatus.Valid {
		status := int(args.ExitStatus.Int64)
		j.ExitStatus = &status
	}
	j.CreatedAt = time.Unix(0, args.CreatedAt)
	j.UpdatedAt = time.Unix(0, args.UpdatedAt)
	j.StartedAt = fromNanos(args.StartedAt)
	j.FinishedAt = fromNanos(args.FinishedAt)
	if args.OwnerID != "" {
		j.Owner = &Owner{ID: args.OwnerID, Host: args.OwnerHost, PID: args.OwnerPID}
	}
	j.HeartbeatAt = fromNanos(args.HeartbeatAt)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var args scanArgs
	if err := row.Scan(scanTargets(&j, &args)...); err != nil {
		return nil, err
	}
	args.apply(&j)
	return &j, nil
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func toNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func ownerColumns(o *Owner) (id, host string, pid int) {
	if o == nil {
		return "", "", 0
	}
	return o.ID, o.Host, o.PID
}
