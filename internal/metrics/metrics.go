package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BackupAttempts counts finished backup attempts by terminal status.
	BackupAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacli_backup_attempts_total",
			Help: "Total number of finished backup attempts",
		},
		[]string{"status"},
	)

	// RestoreAttempts counts finished restore attempts by terminal status.
	RestoreAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacli_restore_attempts_total",
			Help: "Total number of finished restore attempts",
		},
		[]string{"status"},
	)

	// RetentionDeleted counts backups removed by retention.
	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacli_retention_deleted_total",
			Help: "Total number of backups deleted by retention",
		},
	)

	// SchedulerSkipped counts scheduled ticks that did not start a backup.
	SchedulerSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacli_scheduler_skipped_total",
			Help: "Total number of scheduled backups skipped",
		},
		[]string{"reason"},
	)

	// BackupDuration tracks wall time of backup attempts.
	BackupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bacli_backup_duration_seconds",
			Help:    "Duration of backup attempts in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1200, 1800, 3600},
		},
	)

	// BackupSize is the stored size of the last successful backup per target.
	BackupSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bacli_backup_size_bytes",
			Help: "Stored size of the last successful backup",
		},
		[]string{"target"},
	)
)

// Skip reasons.
const (
	SkipDisabled       = "disabled"
	SkipPaused         = "paused"
	SkipAlreadyRunning = "already_running"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
