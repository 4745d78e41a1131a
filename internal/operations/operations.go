package operations

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/config"
	"github.com/kebairia/bacli/internal/database"
	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/notify"
	"github.com/kebairia/bacli/internal/runner"
	"github.com/kebairia/bacli/internal/storage"
	"github.com/kebairia/bacli/internal/tooling"
	"github.com/kebairia/bacli/internal/vault"
)

// OperationManager owns every collaborator built from one configuration
// and exposes the backup, restore and retention entry points.
type OperationManager struct {
	cfg        config.Config
	targets    *backup.MemoryTargets
	repo       *backup.FileStore
	dispatcher *notify.Dispatcher
	backups    *BackupOrchestrator
	restores   *RestoreOrchestrator
	retention  *Retention
}

// NewOperationManager loads, validates and wires the YAML config at configPath.
func NewOperationManager(ctx context.Context, configPath string, log logger.Logger) (*OperationManager, error) {
	var cfg config.Config
	if err := cfg.Load(configPath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewOperationManagerFromConfig(ctx, cfg, log)
}

// NewOperationManagerFromConfig wires an already validated configuration.
func NewOperationManagerFromConfig(ctx context.Context, cfg config.Config, log logger.Logger) (*OperationManager, error) {
	if log == nil {
		log = logger.Nop()
	}

	// Vault is optional; a nil SecretReader makes vault references fail per target.
	var secrets database.SecretReader
	if cfg.Vault.Enabled() {
		client, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName),
		)
		if err != nil {
			return nil, fmt.Errorf("vault client init: %w", err)
		}
		secrets = client
	}

	storages := make(storage.Set, len(cfg.Storages))
	for name, sc := range cfg.Storages {
		s, err := storage.New(ctx, sc.Spec())
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", name, err)
		}
		storages[name] = s
	}

	repo, err := backup.NewFileStore(cfg.Backup.StateDirectory)
	if err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}

	dispatcher := notify.NewDispatcher(cfg.Backup.NotifyTimeout, log)
	for _, n := range cfg.Notifications {
		dispatcher.Register(n.Name, notify.NewWebhook(n.Name, n.URL,
			notify.WithHeaders(n.Headers),
			notify.WithBreaker(n.MaxFailures, n.OpenTimeout),
			notify.WithWebhookLogger(log),
		))
	}

	// A backup cannot outlive its timeout plus the kill grace, so an older
	// lock file was left by a crashed process.
	locks, err := NewFileTargetLocks(
		filepath.Join(cfg.Backup.StateDirectory, "locks"),
		cfg.Backup.Timeout+cfg.Backup.KillGrace+time.Minute,
	)
	if err != nil {
		return nil, err
	}

	targets := backup.NewMemoryTargets(cfg.DomainTargets()...)
	deps := Dependencies{
		Targets:    targets,
		Repository: repo,
		Credentials: database.NewCredentialResolver(secrets,
			database.WithRoleBase(cfg.Vault.RoleBase),
		),
		Versions: database.NewVersionProbe(
			database.WithVersionCache(database.NewVersionCache(cfg.Backup.VersionCacheTTL, nil)),
			database.WithProbeTimeout(cfg.Backup.ProbeTimeout),
			database.WithProbeLogger(log),
		),
		Tools: tooling.NewResolver(
			tooling.WithExtraPatterns(cfg.Tools.SearchPaths...),
			tooling.WithLogger(log),
		),
		Runner: runner.New(
			runner.WithGrace(cfg.Backup.KillGrace),
			runner.WithLogger(log),
		),
		Storages: storages,
		Notifier: dispatcher,
		Locks:    locks,
	}
	opts := []Option{
		WithTimeout(cfg.Backup.Timeout),
		WithTimestampFormat(cfg.Backup.TimestampFormat),
		WithLogger(log),
	}

	backups := NewBackupOrchestrator(deps, opts...)
	return &OperationManager{
		cfg:        cfg,
		targets:    targets,
		repo:       repo,
		dispatcher: dispatcher,
		backups:    backups,
		restores:   NewRestoreOrchestrator(deps, opts...),
		retention:  backups.retention,
	}, nil
}

// Config returns the configuration the manager was built from.
func (om *OperationManager) Config() config.Config { return om.cfg }

// Targets returns the target store shared with the scheduler.
func (om *OperationManager) Targets() *backup.MemoryTargets { return om.targets }

// Backups returns the single entry point for backup attempts.
func (om *OperationManager) Backups() *BackupOrchestrator { return om.backups }

// Restores returns the restore entry point.
func (om *OperationManager) Restores() *RestoreOrchestrator { return om.restores }

// History lists the records of targetID, newest first.
func (om *OperationManager) History(ctx context.Context, targetID string) ([]*backup.BackupRecord, error) {
	if _, err := om.targets.Target(targetID); err != nil {
		return nil, err
	}
	history, err := om.repo.ListBackups(ctx, targetID)
	if err != nil {
		return nil, err
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.After(history[j].CreatedAt)
	})
	return history, nil
}

// Prune applies targetID's retention policy now.
func (om *OperationManager) Prune(ctx context.Context, targetID string) (int, error) {
	t, err := om.targets.Target(targetID)
	if err != nil {
		return 0, err
	}
	return om.retention.Apply(ctx, t)
}

// Close waits for in-flight notifications.
func (om *OperationManager) Close() {
	om.dispatcher.Wait()
}
