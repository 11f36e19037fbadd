package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "rollout.db")

	v.SetDefault("repository.cache_dir", "/var/lib/rollout")
	v.SetDefault("repository.min_fetch_interval_seconds", 0) // Always fetch, branches must match the remote
	v.SetDefault("repository.min_free_mb", 0)

	v.SetDefault("runner.shell", "/bin/sh")
	v.SetDefault("runner.kill_grace_seconds", 5)
	v.SetDefault("runner.env", []string{})

	v.SetDefault("engine.default_timeout_seconds", 0)
	v.SetDefault("engine.heartbeat_interval_seconds", 10)
	v.SetDefault("engine.orphan_after_seconds", 60)

	v.SetDefault("locks.production_lock_requires_admin", false)
	v.SetDefault("locks.cascade", false)
	v.SetDefault("locks.reap_interval_seconds", 300)
}

// BindEnvVars binds settings that operators commonly pass through the environment.
// PRODUCTION_STAGE_LOCK_REQUIRES_ADMIN is the historical name of the policy flag.
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("locks.production_lock_requires_admin",
		"ROLLOUT_LOCKS_PRODUCTION_LOCK_REQUIRES_ADMIN",
		"PRODUCTION_STAGE_LOCK_REQUIRES_ADMIN")
	v.BindEnv("repository.cache_dir", "ROLLOUT_REPOSITORY_CACHE_DIR", "ROLLOUT_CACHE_DIR")
	v.BindEnv("database.path", "ROLLOUT_DATABASE_PATH", "DB_PATH")
}
