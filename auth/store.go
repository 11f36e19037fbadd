package auth

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/rollout/errors"
)

// Directory handles persistence of users
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a new user directory
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Create adds a user
func (d *Directory) Create(ctx context.Context, name string, role Role) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NewInvalidRequestError("user name is required")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}

	user := &User{Name: name, Role: role, CreatedAt: time.Now()}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO users (name, role, created_at) VALUES (?, ?, ?)`,
		user.Name, user.Role, user.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create user %s", name)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "failed to read user id")
	}
	return user, nil
}

// Get finds a user by id
func (d *Directory) Get(ctx context.Context, id int64) (*User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx,
		`SELECT id, name, role, created_at FROM users WHERE id = ?`, id), "id", id)
}

// GetByName finds a user by name
func (d *Directory) GetByName(ctx context.Context, name string) (*User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx,
		`SELECT id, name, role, created_at FROM users WHERE name = ?`, name), "name", name)
}

// SetRole changes a user's role
func (d *Directory) SetRole(ctx context.Context, id int64, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update role of user %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("user %d", id)
	}
	return nil
}

// List returns all users ordered by name
func (d *Directory) List(ctx context.Context) ([]*User, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, role, created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "error iterating users")
}

func (d *Directory) scanOne(row *sql.Row, by string, key interface{}) (*User, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("user with %s %v", by, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get user by %s", by)
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*User, error) {
	var u User
	var created int64
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(0, created)
	return &u, nil
}
