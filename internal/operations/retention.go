package operations

import (
	"context"
	"sort"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/metrics"
)

// RetentionEvaluator decides which successful backups a policy lets go.
type RetentionEvaluator struct {
	now func() time.Time
}

// NewRetentionEvaluator returns an evaluator using clock for "now".
// A nil clock means time.Now.
func NewRetentionEvaluator(clock func() time.Time) *RetentionEvaluator {
	if clock == nil {
		clock = time.Now
	}
	return &RetentionEvaluator{now: clock}
}

// Prune returns the records policy marks for deletion, oldest first.
// Only successful records are eligible and the newest of them is always
// kept, whatever the policy says. The result depends only on history,
// policy and the clock, so re-running it after the deletions selects
// nothing new.
func (e *RetentionEvaluator) Prune(history []*backup.BackupRecord, policy backup.RetentionPolicy) []*backup.BackupRecord {
	eligible := make([]*backup.BackupRecord, 0, len(history))
	for _, rec := range history {
		if rec != nil && rec.Status == backup.StatusSuccess {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) <= 1 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].CompletedAt.Equal(eligible[j].CompletedAt) {
			return eligible[i].ID > eligible[j].ID
		}
		return eligible[i].CompletedAt.After(eligible[j].CompletedAt)
	})

	var doomed []*backup.BackupRecord
	switch policy.Kind {
	case backup.RetentionCount:
		keep := max(policy.N, 1)
		if keep < len(eligible) {
			doomed = eligible[keep:]
		}
	case backup.RetentionDays:
		cutoff := e.now().Add(-time.Duration(max(policy.N, 0)) * 24 * time.Hour)
		for _, rec := range eligible[1:] {
			if rec.CompletedAt.Before(cutoff) {
				doomed = append(doomed, rec)
			}
		}
	default:
		return nil
	}

	out := make([]*backup.BackupRecord, len(doomed))
	for i, rec := range doomed {
		out[len(doomed)-1-i] = rec
	}
	return out
}

// Retention applies a target's policy against the repository and storage.
type Retention struct {
	evaluator *RetentionEvaluator
	repo      backup.Repository
	storages  StorageProvider
	log       logger.Logger
}

// NewRetention wires an evaluator to the stores it prunes.
func NewRetention(evaluator *RetentionEvaluator, repo backup.Repository, storages StorageProvider, log logger.Logger) *Retention {
	if log == nil {
		log = logger.Nop()
	}
	return &Retention{evaluator: evaluator, repo: repo, storages: storages, log: log}
}

// Apply deletes what t's policy no longer keeps and returns how many
// records were removed. The artifact goes first; if that fails the record
// stays so nothing points at a missing artifact.
func (r *Retention) Apply(ctx context.Context, t backup.Target) (int, error) {
	history, err := r.repo.ListBackups(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	victims := r.evaluator.Prune(history, t.Retention)

	deleted := 0
	for _, rec := range victims {
		store, err := r.storages.Get(rec.Storage)
		if err != nil {
			r.log.Warn("retention skipped backup",
				"target", t.ID,
				"backup_id", rec.ID,
				"error", err,
			)
			continue
		}
		if rec.StoragePath != "" {
			if err := store.Delete(ctx, rec.StoragePath); err != nil {
				r.log.Warn("retention artifact delete failed",
					"target", t.ID,
					"backup_id", rec.ID,
					"path", rec.StoragePath,
					"error", err,
				)
				continue
			}
		}
		if err := r.repo.DeleteBackup(ctx, rec.ID); err != nil {
			r.log.Warn("retention record delete failed",
				"target", t.ID,
				"backup_id", rec.ID,
				"error", err,
			)
			continue
		}
		deleted++
		metrics.RetentionDeleted.Inc()
	}

	if deleted > 0 {
		r.log.Info("retention applied",
			"target", t.ID,
			"policy", t.Retention.String(),
			"deleted", deleted,
		)
	}
	return deleted, nil
}
