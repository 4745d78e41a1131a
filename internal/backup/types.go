package backup

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// VersionLatest is the version hint (and probe fallback) meaning "no known
// major version".
const VersionLatest = "latest"

// DefaultStorage is the storage name used when a target does not name one.
const DefaultStorage = "default"

var (
	// ErrNotFound is returned by stores when a record or target does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState is returned when a transition is attempted on a record
	// that already reached success or failed.
	ErrTerminalState = errors.New("record already in terminal state")
	// ErrInvalidTransition is returned for any other illegal status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRetention is returned by RetentionPolicy.Validate.
	ErrInvalidRetention = errors.New("invalid retention policy")
)

// Status is the lifecycle state of a backup or restore attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Format is the on-disk structure of a dump artifact.
type Format string

const (
	FormatCustom Format = "custom"
	FormatPlain  Format = "plain"
)

// Extension returns the artifact file extension for the format.
func (f Format) Extension() string {
	if f == FormatCustom {
		return "dump"
	}
	return "sql"
}

// Trigger records what started a backup attempt.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Connection holds the parameters needed to reach one database.
type Connection struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Database string `json:"database"`
}

// Merge returns c with every non-empty field of override applied on top.
func (c Connection) Merge(override Connection) Connection {
	if override.Host != "" {
		c.Host = override.Host
	}
	if override.Port != "" {
		c.Port = override.Port
	}
	if override.Username != "" {
		c.Username = override.Username
	}
	if override.Password != "" {
		c.Password = override.Password
	}
	if override.Database != "" {
		c.Database = override.Database
	}
	return c
}

// CredentialRef tells the credential initializer where a target's
// password lives. Inline Connection.Password is the last resort.
type CredentialRef struct {
	PasswordEnv string
	VaultRole   string
	VaultKV     string
}

// RetentionKind discriminates RetentionPolicy.
type RetentionKind string

const (
	RetentionCount RetentionKind = "count"
	RetentionDays  RetentionKind = "days"
)

// RetentionPolicy is either {count: N} or {days: N}.
type RetentionPolicy struct {
	Kind RetentionKind `json:"kind"`
	N    int           `json:"n"`
}

// KeepLast returns a policy keeping the newest n successful backups.
func KeepLast(n int) RetentionPolicy { return RetentionPolicy{Kind: RetentionCount, N: n} }

// KeepDays returns a policy keeping backups completed within n days.
func KeepDays(n int) RetentionPolicy { return RetentionPolicy{Kind: RetentionDays, N: n} }

// Validate enforces a known kind and N >= 1.
func (p RetentionPolicy) Validate() error {
	switch p.Kind {
	case RetentionCount, RetentionDays:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRetention, p.Kind)
	}
	if p.N < 1 {
		return fmt.Errorf("%w: %s must be >= 1, got %d", ErrInvalidRetention, p.Kind, p.N)
	}
	return nil
}

func (p RetentionPolicy) String() string {
	return string(p.Kind) + ":" + strconv.Itoa(p.N)
}

// Target is the read-only view of one configured backup target.
type Target struct {
	ID          string
	Name        string
	Connection  Connection
	Credentials CredentialRef
	Schedule    string
	Enabled     bool
	Paused      bool
	// VersionHint is VersionLatest or an explicit major version ("14").
	VersionHint string
	Retention   RetentionPolicy
	Storage     string
	Notify      string
}

// BackupRecord is one backup attempt for one target.
type BackupRecord struct {
	ID           string        `json:"id"`
	TargetID     string        `json:"target_id"`
	Name         string        `json:"name"`
	Trigger      Trigger       `json:"trigger"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	CompletedAt  time.Time     `json:"completed_at,omitzero"`
	Duration     time.Duration `json:"duration"`
	SizeBytes    int64         `json:"size_bytes"`
	Storage      string        `json:"storage"`
	StoragePath  string        `json:"storage_path,omitempty"`
	Error        string        `json:"error,omitempty"`
	MajorVersion string        `json:"major_version,omitempty"`
	Format       Format        `json:"format,omitempty"`
	Compression  int           `json:"compression"`
}

// MarkRunning moves a pending record to running.
func (r *BackupRecord) MarkRunning(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusRunning)
	}
	r.Status = StatusRunning
	r.StartedAt = now
	return nil
}

// MarkSuccess records the artifact and closes the attempt.
func (r *BackupRecord) MarkSuccess(now time.Time, size int64) error {
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = StatusSuccess
	r.SizeBytes = size
	return nil
}

// MarkFailed closes the attempt with an already scrubbed reason.
func (r *BackupRecord) MarkFailed(now time.Time, reason string) error {
	// An attempt can fail before it ever ran.
	if r.Status == StatusPending {
		r.Status = StatusRunning
		r.StartedAt = now
	}
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = StatusFailed
	r.Error = reason
	return nil
}

func (r *BackupRecord) finish(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusRunning {
		return fmt.Errorf("%w: %s is not running", ErrInvalidTransition, r.ID)
	}
	r.CompletedAt = now
	r.Duration = now.Sub(r.StartedAt)
	return nil
}

// RestoreRecord is one restore attempt of a stored backup.
type RestoreRecord struct {
	ID          string        `json:"id"`
	BackupID    string        `json:"backup_id"`
	TargetID    string        `json:"target_id"`
	Override    *Connection   `json:"override,omitempty"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// MarkRunning moves a pending restore to running.
func (r *RestoreRecord) MarkRunning(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusRunning)
	}
	r.Status = StatusRunning
	r.StartedAt = now
	return nil
}

// MarkSuccess closes a running restore.
func (r *RestoreRecord) MarkSuccess(now time.Time) error {
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = StatusSuccess
	return nil
}

// MarkFailed closes a running restore with a scrubbed reason.
func (r *RestoreRecord) MarkFailed(now time.Time, reason string) error {
	if r.Status == StatusPending {
		r.Status = StatusRunning
		r.StartedAt = now
	}
	if err := r.finish(now); err != nil {
		return err
	}
	r.Status = StatusFailed
	r.Error = reason
	return nil
}

func (r *RestoreRecord) finish(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusRunning {
		return fmt.Errorf("%w: %s is not running", ErrInvalidTransition, r.ID)
	}
	r.CompletedAt = now
	r.Duration = now.Sub(r.StartedAt)
	return nil
}
