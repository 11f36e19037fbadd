// Package am holds rollout's configuration ("I am"): where the database and
// repository caches live, how commands are run, and the lock policy.
package am

// Config represents the rollout configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Repository RepositoryConfig `mapstructure:"repository" toml:"repository"`
	Runner     RunnerConfig     `mapstructure:"runner" toml:"runner"`
	Engine     EngineConfig     `mapstructure:"engine" toml:"engine"`
	Locks      LocksConfig      `mapstructure:"locks" toml:"locks"`
}

// DatabaseConfig configures the SQLite database holding jobs, locks and resources
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// RepositoryConfig configures the repository cache and checkout workspaces
type RepositoryConfig struct {
	// Base directory; caches live in <cache_dir>/cached_repos/<project_id>,
	// workspaces in <cache_dir>/workspaces
	CacheDir string `mapstructure:"cache_dir" toml:"cache_dir"`

	// Minimum seconds between two non-forced fetches of the same cache (0 = fetch on every job)
	MinFetchIntervalSeconds int `mapstructure:"min_fetch_interval_seconds" toml:"min_fetch_interval_seconds"`

	// Refuse to clone when the cache filesystem has less free space than this (0 = no check)
	MinFreeMB int64 `mapstructure:"min_free_mb" toml:"min_free_mb"`
}

// RunnerConfig configures how job commands are executed
type RunnerConfig struct {
	Shell            string   `mapstructure:"shell" toml:"shell"`                           // Shell used as `<shell> -c <command>`
	KillGraceSeconds int      `mapstructure:"kill_grace_seconds" toml:"kill_grace_seconds"` // SIGTERM to SIGKILL delay on stop
	Env              []string `mapstructure:"env" toml:"env"`                               // Extra KEY=VALUE entries for every command
}

// EngineConfig configures the job execution engine
type EngineConfig struct {
	// Timeout applied by `rollout run` through Service.RunWithTimeout (0 = none)
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds"`

	// How often a running job's owner refreshes the job's heartbeat
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds"`

	// A job whose heartbeat is older than this is treated as orphaned
	OrphanAfterSeconds int `mapstructure:"orphan_after_seconds" toml:"orphan_after_seconds"`
}

// LocksConfig configures the resource lock manager
type LocksConfig struct {
	// Non-admins may not lock production stages at all
	ProductionLockRequiresAdmin bool `mapstructure:"production_lock_requires_admin" toml:"production_lock_requires_admin"`

	// Also check the environment and global scopes before starting a stage job
	Cascade bool `mapstructure:"cascade" toml:"cascade"`

	// How often `rollout serve` deletes expired lock rows (0 = never)
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds" toml:"reap_interval_seconds"`
}

// Directory and file permission constants
const (
	DefaultDirPermissions  = 0750
	DefaultFilePermissions = 0640
)
