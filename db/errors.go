package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/rollout/errors"
)

// IsDatabaseClosed reports whether err comes from using the database after
// Close. Background writers (job output, heartbeats, the lock reaper) hit it
// when they race process shutdown.
//
// database/sql does not export its closed-database error, so its message is
// matched as well.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}
