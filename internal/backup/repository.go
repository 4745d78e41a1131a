package backup

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the narrow persistence surface the orchestrators write
// records through. Implementations must refuse to overwrite a record that
// is already stored in a terminal state.
type Repository interface {
	CreateBackup(ctx context.Context, rec *BackupRecord) error
	UpdateBackup(ctx context.Context, rec *BackupRecord) error
	GetBackup(ctx context.Context, id string) (*BackupRecord, error)
	// ListBackups returns every record of a target, any status, any order.
	ListBackups(ctx context.Context, targetID string) ([]*BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error

	CreateRestore(ctx context.Context, rec *RestoreRecord) error
	UpdateRestore(ctx context.Context, rec *RestoreRecord) error
}

// TargetSource is the read side of the external configuration store.
type TargetSource interface {
	Target(id string) (Target, error)
	Targets() []Target
}

// NewBackupRecord creates a pending record for target.
func NewBackupRecord(t Target, trigger Trigger, now time.Time) *BackupRecord {
	storage := t.Storage
	if storage == "" {
		storage = DefaultStorage
	}
	return &BackupRecord{
		ID:        uuid.NewString(),
		TargetID:  t.ID,
		Name:      t.Connection.Database + "-" + now.UTC().Format("20060102T150405Z"),
		Trigger:   trigger,
		Status:    StatusPending,
		CreatedAt: now,
		Storage:   storage,
	}
}

// NewRestoreRecord creates a pending restore for a stored backup.
func NewRestoreRecord(b *BackupRecord, override *Connection, now time.Time) *RestoreRecord {
	return &RestoreRecord{
		ID:        uuid.NewString(),
		BackupID:  b.ID,
		TargetID:  b.TargetID,
		Override:  override,
		Status:    StatusPending,
		CreatedAt: now,
	}
}
