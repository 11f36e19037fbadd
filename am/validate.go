package am

import "github.com/teranos/rollout/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Repository.CacheDir == "" {
		return errors.New("repository.cache_dir cannot be empty")
	}
	if c.Repository.MinFetchIntervalSeconds < 0 {
		return errors.Newf("repository.min_fetch_interval_seconds must be >= 0, got %d", c.Repository.MinFetchIntervalSeconds)
	}
	if c.Repository.MinFreeMB < 0 {
		return errors.Newf("repository.min_free_mb must be >= 0, got %d", c.Repository.MinFreeMB)
	}

	if c.Runner.Shell == "" {
		return errors.New("runner.shell cannot be empty")
	}
	if c.Runner.KillGraceSeconds < 0 {
		return errors.Newf("runner.kill_grace_seconds must be >= 0, got %d", c.Runner.KillGraceSeconds)
	}

	if c.Engine.DefaultTimeoutSeconds < 0 {
		return errors.Newf("engine.default_timeout_seconds must be >= 0, got %d", c.Engine.DefaultTimeoutSeconds)
	}
	if c.Engine.HeartbeatIntervalSeconds <= 0 {
		return errors.Newf("engine.heartbeat_interval_seconds must be > 0, got %d", c.Engine.HeartbeatIntervalSeconds)
	}
	if c.Engine.OrphanAfterSeconds <= c.Engine.HeartbeatIntervalSeconds {
		return errors.Newf("engine.orphan_after_seconds must exceed engine.heartbeat_interval_seconds, got %d <= %d",
			c.Engine.OrphanAfterSeconds, c.Engine.HeartbeatIntervalSeconds)
	}

	// Reaper interval: 0 = lazy expiry only, negative = invalid
	if c.Locks.ReapIntervalSeconds < 0 {
		return errors.Newf("locks.reap_interval_seconds must be >= 0, got %d", c.Locks.ReapIntervalSeconds)
	}

	return nil
}
