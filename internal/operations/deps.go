package operations

import (
	"context"
	"errors"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/notify"
	"github.com/kebairia/bacli/internal/runner"
	"github.com/kebairia/bacli/internal/storage"
)

var (
	// ErrAlreadyRunning rejects an attempt while the target's lock is held.
	ErrAlreadyRunning = errors.New("backup already running")
	// ErrBackupFailed wraps every backup attempt that ended failed.
	ErrBackupFailed = errors.New("backup failed")
	// ErrRestoreFailed wraps every restore attempt that ended failed.
	ErrRestoreFailed = errors.New("restore failed")
	// ErrNotRestorable is returned for a backup that did not succeed.
	ErrNotRestorable = errors.New("backup is not restorable")
	// ErrUpload marks a storage failure while streaming an artifact.
	ErrUpload = errors.New("upload failed")
	// ErrDownload marks a storage failure while reading an artifact.
	ErrDownload = errors.New("download failed")
)

// DefaultTimestampFormat names artifacts and records.
const DefaultTimestampFormat = "20060102T150405Z"

// CredentialSource fills in a target's credentials.
type CredentialSource interface {
	Resolve(ctx context.Context, t backup.Target) (backup.Connection, error)
}

// VersionResolver returns a target's major version, never failing.
type VersionResolver interface {
	Resolve(ctx context.Context, t backup.Target, conn backup.Connection) string
}

// ToolResolver finds a binary for a major version.
type ToolResolver interface {
	Resolve(tool, majorVersion string) (string, error)
}

// StorageProvider looks storages up by name.
type StorageProvider interface {
	Get(name string) (storage.Storage, error)
}

// EventDispatcher delivers notifications without blocking.
type EventDispatcher interface {
	Dispatch(dest string, ev notify.Event)
}

// Dependencies are the collaborators both orchestrators share.
type Dependencies struct {
	Targets     backup.TargetSource
	Repository  backup.Repository
	Credentials CredentialSource
	Versions    VersionResolver
	Tools       ToolResolver
	Runner      runner.ProcessRunner
	Storages    StorageProvider
	Notifier    EventDispatcher
	Locks       *TargetLocks
}

// Option overrides orchestrator defaults.
type Option func(*settings)

type settings struct {
	timeout         time.Duration
	timestampFormat string
	now             func() time.Time
	log             logger.Logger
}

func newSettings(opts ...Option) settings {
	s := settings{
		timeout:         runner.DefaultTimeout,
		timestampFormat: DefaultTimestampFormat,
		now:             time.Now,
		log:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithTimeout bounds each dump or restore subprocess.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTimestampFormat sets the layout used in record names and paths.
func WithTimestampFormat(layout string) Option {
	return func(s *settings) {
		if layout != "" {
			s.timestampFormat = layout
		}
	}
}

// WithClock swaps time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

// noopDispatcher drops events when no notifier is configured.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, notify.Event) {}

func (d Dependencies) withDefaults() Dependencies {
	if d.Notifier == nil {
		d.Notifier = noopDispatcher{}
	}
	if d.Locks == nil {
		d.Locks = NewTargetLocks()
	}
	return d
}
