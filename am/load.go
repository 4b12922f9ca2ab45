package am

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/warden/errors"
)

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file set each key during the last load.
	// Keys not present came from defaults or the environment.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the configuration once and caches it. Call Reset to reread.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViperLocked())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, on top of
// the defaults and without environment overrides.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	return cfg, nil
}

// Reset clears the cached configuration (useful for testing and reloads)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	// system -> user -> project; env vars still win over all files
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// UserDir is ~/.warden, or $WARDEN_HOME when set.
func UserDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// UserConfigPath is the per-user config file.
func UserConfigPath() string {
	return filepath.Join(UserDir(), "am.toml")
}

// SystemConfigPath is the machine-wide config file.
const SystemConfigPath = "/etc/warden/am.toml"

// findProjectConfig searches for am.toml by walking up from the working
// directory. Returns "" if there is none.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// configFiles lists the candidate files, lowest precedence first.
func configFiles() []SourceInfo {
	files := []SourceInfo{
		{Source: SourceSystem, Path: SystemConfigPath},
		{Source: SourceUser, Path: UserConfigPath()},
	}
	if p := findProjectConfig(); p != "" && p != UserConfigPath() {
		files = append(files, SourceInfo{Source: SourceProject, Path: p})
	}
	return files
}

// ActiveConfigFile is the highest-precedence config file that exists, or
// "" when only defaults apply.
func ActiveConfigFile() string {
	files := configFiles()
	for i := len(files) - 1; i >= 0; i-- {
		if _, err := os.Stat(files[i].Path); err == nil {
			return files[i].Path
		}
	}
	return ""
}

// mergeConfigFiles merges every existing config file into v's config layer
// so environment variables keep precedence over files.
func mergeConfigFiles(v *viper.Viper) {
	for _, f := range configFiles() {
		if _, err := os.Stat(f.Path); err != nil {
			continue
		}
		tmp := viper.New()
		tmp.SetConfigFile(f.Path)
		tmp.SetConfigType("toml")
		if err := tmp.ReadInConfig(); err != nil {
			continue
		}
		settings := tmp.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		for _, key := range flattenKeys(settings, "") {
			ConfigSources[key] = f
		}
	}
}

func flattenKeys(settings map[string]interface{}, prefix string) []string {
	var keys []string
	for k, val := range settings {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			keys = append(keys, flattenKeys(nested, full)...)
			continue
		}
		keys = append(keys, full)
	}
	sort.Strings(keys)
	return keys
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
