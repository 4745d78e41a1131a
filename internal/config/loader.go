package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix is the prefix of environment overrides, e.g. BACLI_BACKUP_TIMEOUT.
const EnvPrefix = "BACLI"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include       []string                 `mapstructure:"include"       yaml:"include,omitempty"`
	Backup        BackupConfig             `mapstructure:"backup"        yaml:"backup"`
	Tools         ToolsConfig              `mapstructure:"tools"         yaml:"tools"`
	Vault         VaultConfig              `mapstructure:"vault"         yaml:"vault"`
	Storages      map[string]StorageConfig `mapstructure:"storages"      yaml:"storages"`
	Notifications []NotificationConfig     `mapstructure:"notifications" yaml:"notifications"`
	Metrics       MetricsConfig            `mapstructure:"metrics"       yaml:"metrics"`
	Control       ControlConfig            `mapstructure:"control"       yaml:"control"`
	Targets       []TargetConfig           `mapstructure:"targets"       yaml:"targets"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	StateDirectory  string        `mapstructure:"state_directory"   yaml:"state_directory"`
	TimestampFormat string        `mapstructure:"timestamp_format"  yaml:"timestamp_format"`
	Timeout         time.Duration `mapstructure:"timeout"           yaml:"timeout"`
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"    yaml:"notify_timeout"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"     yaml:"probe_timeout"`
	VersionCacheTTL time.Duration `mapstructure:"version_cache_ttl" yaml:"version_cache_ttl"`
	KillGrace       time.Duration `mapstructure:"kill_grace"        yaml:"kill_grace"`
}

// ToolsConfig holds extra binary search templates. Each entry may use the
// {version} and {tool} placeholders and is tried before the built-ins.
type ToolsConfig struct {
	SearchPaths []string `mapstructure:"search_paths" yaml:"search_paths,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
	// RoleBase is joined to relative target vault_role values.
	RoleBase string `mapstructure:"role_base" yaml:"role_base,omitempty"`
}

// Enabled reports whether a Vault client should be built.
func (v VaultConfig) Enabled() bool { return v.Address != "" }

// MetricsConfig enables the Prometheus endpoint in serve mode.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// ControlConfig enables the scheduler control API in serve mode. It may
// share the metrics address.
type ControlConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// Include paths are relative to the including file.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Read base configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	base := filepath.Dir(path)
	for _, inc := range v.GetStringSlice("include") {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(base, inc)
		}
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}
	c.applyDefaults()

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backup.state_directory", "/var/lib/bacli")
	v.SetDefault("backup.timestamp_format", "20060102T150405Z")
	v.SetDefault("backup.timeout", 30*time.Minute)
	v.SetDefault("backup.notify_timeout", 10*time.Second)
	v.SetDefault("backup.probe_timeout", 10*time.Second)
	v.SetDefault("backup.version_cache_ttl", 24*time.Hour)
	v.SetDefault("backup.kill_grace", 5*time.Second)
}

// applyDefaults fills values that depend on other sections.
func (c *Config) applyDefaults() {
	if len(c.Storages) == 0 {
		c.Storages = map[string]StorageConfig{
			DefaultStorageName: {Type: "local", Path: filepath.Join(c.Backup.StateDirectory, "artifacts")},
		}
	}
}
