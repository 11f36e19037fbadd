package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/rollout/errors"
)

const lockColumns = `id, resource_kind, resource_id, user_id, description, warning, delete_at, created_at`

// activeClause restricts a query to locks that have not expired at the bound time
const activeClause = `(delete_at IS NULL OR delete_at > ?)`

// Store handles persistence of locks. Writes that must be atomic with a
// check run through WithTx.
type Store struct {
	db *sql.DB
}

// NewStore creates a new lock store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction, committing when fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin lock transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit lock transaction")
}

func insert(ctx context.Context, q querier, l *Lock) error {
	var deleteAt any
	if l.DeleteAt != nil {
		deleteAt = l.DeleteAt.UnixNano()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, string(l.Resource.Kind), l.Resource.ID, l.UserID, l.Description, l.Warning, deleteAt, l.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "failed to insert lock on %s", l.Resource)
	}
	return nil
}

// isUniqueViolation reports whether err is the one-hard-lock-per-scope index firing
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func deleteExpiredIn(ctx context.Context, q querier, r Resource, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_kind = ? AND resource_id = ? AND delete_at IS NOT NULL AND delete_at <= ?`,
		string(r.Kind), r.ID, now.UnixNano())
	return errors.Wrapf(err, "failed to clear expired locks on %s", r)
}

func deleteByID(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete lock %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("lock %s", id)
	}
	return nil
}

// activeHard returns the active hard lock on r, or nil
func activeHard(ctx context.Context, q querier, r Resource, now time.Time) (*Lock, error) {
	l, err := scanLock(q.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE resource_kind = ? AND resource_id = ? AND warning = 0 AND `+activeClause,
		string(r.Kind), r.ID, now.UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, errors.Wrapf(err, "failed to read hard lock on %s", r)
}

// Get finds a lock by id, expired or not
func (s *Store) Get(ctx context.Context, id string) (*Lock, error) {
	l, err := scanLock(s.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("lock %s", id)
	}
	return l, errors.Wrapf(err, "failed to get lock %s", id)
}

// Active lists the unexpired locks on r, hard lock first, then warnings newest first
func (s *Store) Active(ctx context.Context, r Resource, now time.Time) ([]*Lock, error) {
	return s.query(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE resource_kind = ? AND resource_id = ? AND `+activeClause+`
		 ORDER BY warning ASC, created_at DESC`,
		string(r.Kind), r.ID, now.UnixNano())
}

// ListActive lists every unexpired lock, oldest first
func (s *Store) ListActive(ctx context.Context, now time.Time) ([]*Lock, error) {
	return s.query(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE `+activeClause+` ORDER BY created_at ASC`, now.UnixNano())
}

// DeleteExpired removes every lock row past its expiry
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE delete_at IS NOT NULL AND delete_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired locks")
	}
	return res.RowsAffected()
}

// DeleteScope removes every lock on r
func (s *Store) DeleteScope(ctx context.Context, r Resource) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE resource_kind = ? AND resource_id = ?`, string(r.Kind), r.ID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to release locks on %s", r)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query locks")
	}
	defer rows.Close()

	var locks []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan lock")
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLock(row scanner) (*Lock, error) {
	var (
		l         Lock
		kind      string
		deleteAt  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&l.ID, &kind, &l.Resource.ID, &l.UserID, &l.Description, &l.Warning, &deleteAt, &createdAt); err != nil {
		return nil, err
	}
	l.Resource.Kind = Kind(kind)
	l.CreatedAt = time.Unix(0, createdAt)
	if deleteAt.Valid {
		t := time.Unix(0, deleteAt.Int64)
		l.DeleteAt = &t
	}
	return &l, nil
}
