package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/postpulse/errors"
)

// EnvPrefix prefixes every environment override (POSTPULSE_SCHEDULER_TIMEZONE, ...)
const EnvPrefix = "POSTPULSE"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	// ConfigSources records which file last set each key during loading
	ConfigSources = map[string]SourceInfo{}
	// configFileUsed is the highest-precedence file that was merged
	configFileUsed string
)

// Load reads the postpulse configuration using Viper
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the defaults.
// Environment variables still override file values.
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()

	if err := readInto(v, configPath, SourceProject, map[string]SourceInfo{}); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
	configFileUsed = ""
}

// ConfigFileUsed returns the highest-precedence config file that was found
func ConfigFileUsed() string {
	mu.Lock()
	defer mu.Unlock()
	initViper()
	return configFileUsed
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := newViper()

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for am.toml or postpulse.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range []string{"am.toml", "postpulse.toml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// ConfigPath is one candidate config file
type ConfigPath struct {
	Source ConfigSource
	Path   string
}

// SearchPaths lists the config files considered, lowest precedence first
func SearchPaths() []ConfigPath {
	paths := []ConfigPath{{Source: SourceSystem, Path: "/etc/postpulse/config.toml"}}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, ConfigPath{Source: SourceUser, Path: filepath.Join(home, ".postpulse", "am.toml")})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, ConfigPath{Source: SourceProject, Path: project})
	}
	return paths
}

// mergeConfigFiles merges configuration files in precedence order.
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	for _, candidate := range SearchPaths() {
		if _, err := os.Stat(candidate.Path); err != nil {
			continue
		}
		if err := readInto(v, candidate.Path, candidate.Source, ConfigSources); err == nil {
			configFileUsed = candidate.Path
		}
	}
}

// readInto merges one TOML file into v's config layer, below environment
// overrides, and records the source of each key in sources
func readInto(v *viper.Viper, path string, source ConfigSource, sources map[string]SourceInfo) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	tmp.SetConfigType("toml")
	if err := tmp.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}

	if err := v.MergeConfigMap(tmp.AllSettings()); err != nil {
		return errors.Wrapf(err, "failed to merge config file %s", path)
	}
	for _, key := range tmp.AllKeys() {
		sources[key] = SourceInfo{Source: source, Path: path}
	}
	return nil
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}

// IsSet reports whether key has a value from any source, defaults included
func IsSet(key string) bool {
	return GetViper().IsSet(key)
}
