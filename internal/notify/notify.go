package notify

import (
	"context"
	"time"
)

// Kind names what happened.
type Kind string

const (
	KindBackupSuccess  Kind = "backup.success"
	KindBackupFailed   Kind = "backup.failed"
	KindRestoreSuccess Kind = "restore.success"
	KindRestoreFailed  Kind = "restore.failed"
)

// Event is the payload sent after a backup or restore reached a terminal
// state. Error is already scrubbed.
type Event struct {
	Kind             Kind      `json:"kind"`
	TargetID         string    `json:"target_id"`
	TargetName       string    `json:"target_name,omitempty"`
	RecordID         string    `json:"record_id"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	SizeBytes        int64     `json:"size_bytes,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds"`
	RetentionDeleted int       `json:"retention_deleted,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}
