package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/kebairia/bacli/internal/storage"
)

// Validate checks the loaded configuration and reports every problem found,
// wrapped in ErrValidateConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Backup.StateDirectory == "" {
		add("backup.state_directory is empty")
	}
	if c.Backup.Timeout <= 0 {
		add("backup.timeout must be positive")
	}

	for name, s := range c.Storages {
		switch s.Spec().Type {
		case storage.TypeLocal:
			if s.Path == "" {
				add("storage %s: path is empty", name)
			}
		case storage.TypeS3:
			if s.S3.Bucket == "" {
				add("storage %s: s3.bucket is empty", name)
			}
		default:
			add("storage %s: unknown type %q", name, s.Type)
		}
		if s.Compress != "" && s.Compress != storage.CompressZstd {
			add("storage %s: unsupported compress %q", name, s.Compress)
		}
	}

	notifiers := make(map[string]bool, len(c.Notifications))
	for i, n := range c.Notifications {
		switch {
		case n.Name == "":
			add("notifications[%d]: name is empty", i)
			continue
		case notifiers[n.Name]:
			add("notification %s: duplicate name", n.Name)
		}
		notifiers[n.Name] = true
		if n.Type != "" && n.Type != NotificationWebhook {
			add("notification %s: unknown type %q", n.Name, n.Type)
		}
		if n.URL == "" {
			add("notification %s: url is empty", n.Name)
		}
	}

	ids := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" {
			add("targets[%d]: id is empty", i)
			continue
		}
		if ids[t.ID] {
			add("target %s: duplicate id", t.ID)
		}
		ids[t.ID] = true

		if t.Database == "" {
			add("target %s: database is empty", t.ID)
		}
		if t.Schedule != "" {
			if _, err := cron.ParseStandard(t.Schedule); err != nil {
				add("target %s: invalid schedule %q: %v", t.ID, t.Schedule, err)
			}
		}
		if !isVersionHint(t.Version) {
			add("target %s: version must be %q or a major version, got %q", t.ID, "latest", t.Version)
		}
		if err := validateRetention(t.Retention); err != nil {
			add("target %s: %v", t.ID, err)
		}
		st := t.Target().Storage
		if _, ok := c.Storages[st]; !ok {
			add("target %s: unknown storage %q", t.ID, st)
		}
		if t.Notify != "" && !notifiers[t.Notify] {
			add("target %s: unknown notification %q", t.ID, t.Notify)
		}
		if (t.VaultRole != "" || t.VaultKV != "") && !c.Vault.Enabled() {
			add("target %s: vault credentials need vault.address", t.ID)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidateConfig, errors.Join(errs...))
	}
	return nil
}

func validateRetention(r RetentionConfig) error {
	if r.Count != 0 && r.Days != 0 {
		return errors.New("retention: set either count or days, not both")
	}
	if r == (RetentionConfig{}) {
		return nil
	}
	return r.Policy().Validate()
}
