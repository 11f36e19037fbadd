// Package lock provides mutual exclusion over deployable resources: the
// global scope, environments and stages. A scope holds at most one active
// hard lock; warning locks are advisory and never conflict.
package lock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/resource"
)

// Kind names a lockable scope
type Kind = resource.Kind

const (
	KindGlobal      = resource.KindGlobal
	KindEnvironment = resource.KindEnvironment
	KindStage       = resource.KindStage
)

// Resource identifies a scope. Values compare with ==; the global scope has ID 0.
type Resource struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id,omitempty"`
}

// Global is the scope above every environment and stage
func Global() Resource { return Resource{Kind: KindGlobal} }

// Environment is the scope of one environment
func Environment(id int64) Resource { return Resource{Kind: KindEnvironment, ID: id} }

// Stage is the scope of one stage
func Stage(id int64) Resource { return Resource{Kind: KindStage, ID: id} }

// Key identifies the scope in per-scope mutexes and logs
func (r Resource) Key() string {
	if r.Kind == KindGlobal {
		return string(KindGlobal)
	}
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

func (r Resource) String() string {
	if r.Kind == KindGlobal {
		return "global"
	}
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// Validate checks the kind and that only the global scope lacks an id
func (r Resource) Validate() error {
	switch {
	case !r.Kind.IsValid():
		return errors.NewInvalidRequestError("unknown resource kind %q", r.Kind)
	case r.Kind == KindGlobal && r.ID != 0:
		return errors.NewInvalidRequestError("the global scope has no id")
	case r.Kind != KindGlobal && r.ID <= 0:
		return errors.NewInvalidRequestError("%s id must be positive", r.Kind)
	}
	return nil
}

// ParseResource reads "global", "environment:<id>" or "stage:<id>"
func ParseResource(s string) (Resource, error) {
	s = strings.TrimSpace(s)
	if s == string(KindGlobal) {
		return Global(), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Resource{}, errors.NewInvalidRequestError("resource %q: want global, environment:<id> or stage:<id>", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Resource{}, errors.NewInvalidRequestError("resource %q: bad id", s)
	}
	r := Resource{Kind: Kind(kind), ID: n}
	return r, r.Validate()
}

// Lock is a mutual-exclusion record on a scope
type Lock struct {
	ID          string     `json:"id"`
	Resource    Resource   `json:"resource"`
	UserID      int64      `json:"user_id"`
	Description string     `json:"description"`
	Warning     bool       `json:"warning"`
	DeleteAt    *time.Time `json:"delete_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsActive reports whether the lock has not expired at now
func (l *Lock) IsActive(now time.Time) bool {
	return l.DeleteAt == nil || l.DeleteAt.After(now)
}

// Summary describes the lock for people being blocked by it
func (l *Lock) Summary() string {
	kind := "locked"
	if l.Warning {
		kind = "has a warning"
	}
	s := fmt.Sprintf("%s %s by user %d: %s", l.Resource, kind, l.UserID, l.Description)
	if l.DeleteAt != nil {
		s += fmt.Sprintf(" (until %s)", l.DeleteAt.UTC().Format(time.RFC3339))
	}
	return s
}

// Options tune a lock request
type Options struct {
	Warning   bool
	ExpiresIn *time.Duration // nil never expires
}

// ConflictError is returned when a scope already holds an active hard lock
type ConflictError struct {
	Lock *Lock
}

func (e *ConflictError) Error() string {
	return e.Lock.Summary()
}

// Unwrap makes errors.Is(err, errors.ErrLockConflict) hold
func (e *ConflictError) Unwrap() error {
	return errors.ErrLockConflict
}
