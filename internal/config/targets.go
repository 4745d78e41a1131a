package config

import (
	"strconv"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/storage"
)

// DefaultStorageName is used when a target names no storage.
const DefaultStorageName = backup.DefaultStorage

// TargetConfig represents one database to back up.
type TargetConfig struct {
	ID       string `mapstructure:"id"       yaml:"id"`
	Name     string `mapstructure:"name"     yaml:"name,omitempty"`
	Host     string `mapstructure:"host"     yaml:"host,omitempty"`
	Port     string `mapstructure:"port"     yaml:"port,omitempty"`
	Database string `mapstructure:"database" yaml:"database"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Credential sources, tried before the inline password.
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env,omitempty"`
	VaultRole   string `mapstructure:"vault_role"   yaml:"vault_role,omitempty"`
	VaultKV     string `mapstructure:"vault_kv"     yaml:"vault_kv,omitempty"`

	Schedule  string          `mapstructure:"schedule"  yaml:"schedule,omitempty"`
	Enabled   *bool           `mapstructure:"enabled"   yaml:"enabled,omitempty"`
	Paused    bool            `mapstructure:"paused"    yaml:"paused,omitempty"`
	Version   string          `mapstructure:"version"   yaml:"version,omitempty"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention,omitempty"`
	Storage   string          `mapstructure:"storage"   yaml:"storage,omitempty"`
	Notify    string          `mapstructure:"notify"    yaml:"notify,omitempty"`
}

// RetentionConfig is {count: N} or {days: N}. Leaving both unset keeps
// every backup.
type RetentionConfig struct {
	Count int `mapstructure:"count" yaml:"count,omitempty"`
	Days  int `mapstructure:"days"  yaml:"days,omitempty"`
}

// Policy converts the section into a policy. The zero policy deletes nothing.
func (r RetentionConfig) Policy() backup.RetentionPolicy {
	switch {
	case r.Count != 0:
		return backup.KeepLast(r.Count)
	case r.Days != 0:
		return backup.KeepDays(r.Days)
	default:
		return backup.RetentionPolicy{}
	}
}

// Target converts the section into the domain view.
func (t TargetConfig) Target() backup.Target {
	enabled := true
	if t.Enabled != nil {
		enabled = *t.Enabled
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}
	hint := t.Version
	if hint == "" {
		hint = backup.VersionLatest
	}
	st := t.Storage
	if st == "" {
		st = DefaultStorageName
	}
	return backup.Target{
		ID:   t.ID,
		Name: name,
		Connection: backup.Connection{
			Host:     t.Host,
			Port:     t.Port,
			Username: t.Username,
			Password: t.Password,
			Database: t.Database,
		},
		Credentials: backup.CredentialRef{
			PasswordEnv: t.PasswordEnv,
			VaultRole:   t.VaultRole,
			VaultKV:     t.VaultKV,
		},
		Schedule:    t.Schedule,
		Enabled:     enabled,
		Paused:      t.Paused,
		VersionHint: hint,
		Retention:   t.Retention.Policy(),
		Storage:     st,
		Notify:      t.Notify,
	}
}

// DomainTargets converts every configured target.
func (c *Config) DomainTargets() []backup.Target {
	out := make([]backup.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, t.Target())
	}
	return out
}

// StorageConfig describes one named artifact store.
type StorageConfig struct {
	Type     string   `mapstructure:"type"     yaml:"type"`
	Path     string   `mapstructure:"path"     yaml:"path,omitempty"`
	Compress string   `mapstructure:"compress" yaml:"compress,omitempty"`
	S3       S3Config `mapstructure:"s3"       yaml:"s3,omitempty"`
}

// S3Config holds bucket settings for type s3.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"   yaml:"endpoint,omitempty"`
	Region    string `mapstructure:"region"     yaml:"region,omitempty"`
	Bucket    string `mapstructure:"bucket"     yaml:"bucket"`
	Prefix    string `mapstructure:"prefix"     yaml:"prefix,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	PartSize  int64  `mapstructure:"part_size"  yaml:"part_size,omitempty"`
}

// Spec converts the section for storage.New.
func (s StorageConfig) Spec() storage.Spec {
	typ := s.Type
	if typ == "" {
		typ = storage.TypeLocal
	}
	return storage.Spec{
		Type:     typ,
		Path:     s.Path,
		Compress: s.Compress,
		S3: storage.S3Options{
			Endpoint:  s.S3.Endpoint,
			Region:    s.S3.Region,
			Bucket:    s.S3.Bucket,
			Prefix:    s.S3.Prefix,
			AccessKey: s.S3.AccessKey,
			SecretKey: s.S3.SecretKey,
			PartSize:  s.S3.PartSize,
		},
	}
}

// NotificationConfig is one named webhook destination.
type NotificationConfig struct {
	Name        string            `mapstructure:"name"         yaml:"name"`
	Type        string            `mapstructure:"type"         yaml:"type"`
	URL         string            `mapstructure:"url"          yaml:"url"`
	Headers     map[string]string `mapstructure:"headers"      yaml:"headers,omitempty"`
	MaxFailures uint32            `mapstructure:"max_failures" yaml:"max_failures,omitempty"`
	OpenTimeout time.Duration     `mapstructure:"open_timeout" yaml:"open_timeout,omitempty"`
}

// NotificationWebhook is the only supported notification type.
const NotificationWebhook = "webhook"

func isVersionHint(s string) bool {
	if s == "" || s == backup.VersionLatest {
		return true
	}
	n, err := strconv.Atoi(s)
	return err == nil && n > 0
}
