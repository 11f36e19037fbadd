package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/rollout/errors"
)

// ProjectConfigName is the file searched for from the working directory upwards
const ProjectConfigName = "rollout.toml"

var (
	globalConfig *Config
	globalMu     sync.Mutex
)

// Load reads the rollout configuration using Viper.
// The result is cached until Reset is called.
func Load() (*Config, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(newViper())
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, on top of the defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return LoadWithViper(v)
}

// Reset clears the cached configuration (config reloads and tests)
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
}

// newViper initializes Viper with configuration sources and defaults
func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("ROLLOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)

	SetDefaults(v)

	// Precedence (lowest to highest): system < user < project < env vars
	for _, configPath := range ConfigPaths() {
		mergeConfigFile(v, configPath)
	}

	return v
}

// ConfigPaths returns the existing config files in merge order
func ConfigPaths() []string {
	candidates := []string{"/etc/rollout/am.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".rollout", "am.toml"))
	}
	if project := findProjectConfig(); project != "" {
		candidates = append(candidates, project)
	}

	var paths []string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// ActiveConfigPath returns the highest-precedence existing config file, or ""
func ActiveConfigPath() string {
	paths := ConfigPaths()
	if len(paths) == 0 {
		return ""
	}
	return paths[len(paths)-1]
}

func mergeConfigFile(v *viper.Viper, configPath string) {
	fileViper := viper.New()
	fileViper.SetConfigFile(configPath)
	fileViper.SetConfigType("toml")
	if err := fileViper.ReadInConfig(); err != nil {
		return
	}
	if err := v.MergeConfigMap(fileViper.AllSettings()); err != nil {
		return
	}
}

// findProjectConfig walks up from the working directory looking for rollout.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
