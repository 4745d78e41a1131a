package operations

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/database"
	"github.com/kebairia/bacli/internal/metrics"
	"github.com/kebairia/bacli/internal/notify"
	"github.com/kebairia/bacli/internal/runner"
	"github.com/kebairia/bacli/internal/storage"
	"github.com/kebairia/bacli/internal/tooling"
)

// BackupOrchestrator runs one backup attempt for one target.
type BackupOrchestrator struct {
	deps      Dependencies
	settings  settings
	retention *Retention
}

// NewBackupOrchestrator wires deps. Retention runs after every success.
func NewBackupOrchestrator(deps Dependencies, opts ...Option) *BackupOrchestrator {
	s := newSettings(opts...)
	deps = deps.withDefaults()
	return &BackupOrchestrator{
		deps:      deps,
		settings:  s,
		retention: NewRetention(NewRetentionEvaluator(s.now), deps.Repository, deps.Storages, s.log),
	}
}

// Run executes a backup of targetID. When another attempt for the target
// is in flight it returns ErrAlreadyRunning and creates no record. Any
// failure after the record exists is stored on it and returned wrapped in
// ErrBackupFailed.
func (o *BackupOrchestrator) Run(ctx context.Context, targetID string, trigger backup.Trigger) (*backup.BackupRecord, error) {
	log := o.settings.log
	t, err := o.deps.Targets.Target(targetID)
	if err != nil {
		return nil, err
	}

	release, ok := o.deps.Locks.TryAcquire(t.ID)
	if !ok {
		log.Info("backup skipped", "target", t.ID, "trigger", trigger, "reason", "already running")
		return nil, fmt.Errorf("target %s: %w", t.ID, ErrAlreadyRunning)
	}
	defer release()

	rec := backup.NewBackupRecord(t, trigger, o.settings.now())
	rec.Name = t.Connection.Database + "-" + rec.CreatedAt.UTC().Format(o.settings.timestampFormat)
	if err := o.deps.Repository.CreateBackup(ctx, rec); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	if err := rec.MarkRunning(o.settings.now()); err != nil {
		return rec, o.fail(ctx, t, rec, err, "")
	}
	if err := o.deps.Repository.UpdateBackup(ctx, rec); err != nil {
		return rec, o.fail(ctx, t, rec, fmt.Errorf("update backup record: %w", err), "")
	}

	log.Info("backup started", "target", t.ID, "backup_id", rec.ID, "trigger", trigger)

	size, secret, err := o.execute(ctx, t, rec)
	if err != nil {
		return rec, o.fail(ctx, t, rec, err, secret)
	}

	if err := rec.MarkSuccess(o.settings.now(), size); err != nil {
		return rec, err
	}
	if err := o.deps.Repository.UpdateBackup(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("persist backup record: %w", err)
	}
	metrics.BackupAttempts.WithLabelValues(string(backup.StatusSuccess)).Inc()
	metrics.BackupDuration.Observe(rec.Duration.Seconds())
	metrics.BackupSize.WithLabelValues(t.ID).Set(float64(size))

	log.Info("backup completed",
		"target", t.ID,
		"backup_id", rec.ID,
		"major_version", rec.MajorVersion,
		"format", rec.Format,
		"path", rec.StoragePath,
		"size_bytes", size,
		"duration", rec.Duration.String(),
	)

	deleted, err := o.retention.Apply(ctx, t)
	if err != nil {
		log.Warn("retention failed", "target", t.ID, "error", err)
	}

	ev := backupEvent(t, rec)
	ev.RetentionDeleted = deleted
	o.deps.Notifier.Dispatch(t.Notify, ev)
	return rec, nil
}

// execute probes, resolves and streams the dump into storage. It fills the
// version, format and path fields of rec and returns the stored size and
// the password to scrub from any failure text.
func (o *BackupOrchestrator) execute(ctx context.Context, t backup.Target, rec *backup.BackupRecord) (int64, string, error) {
	conn, err := o.deps.Credentials.Resolve(ctx, t)
	if err != nil {
		return 0, conn.Password, err
	}

	major := o.deps.Versions.Resolve(ctx, t, conn)
	format, level := tooling.Select(major)
	rec.MajorVersion = major
	rec.Format = format
	rec.Compression = level

	tool, err := o.deps.Tools.Resolve(tooling.PgDump, major)
	if err != nil {
		return 0, conn.Password, err
	}
	store, err := o.deps.Storages.Get(rec.Storage)
	if err != nil {
		return 0, conn.Password, err
	}

	rec.StoragePath = artifactPath(t, rec, o.settings.timestampFormat)
	if err := o.deps.Repository.UpdateBackup(ctx, rec); err != nil {
		return 0, conn.Password, fmt.Errorf("update backup record: %w", err)
	}

	pg := database.NewPostgres(conn, database.WithPostgresFormat(format, level))
	o.settings.log.Debug("dump resolved",
		"target", t.ID,
		"backup_id", rec.ID,
		"tool", tool,
		"major_version", major,
		"format", format,
		"compression", level,
	)

	size, err := o.stream(ctx, store, rec.StoragePath, runner.Command{
		Path:    tool,
		Args:    pg.DumpArgs(),
		Env:     pg.Env(),
		Timeout: o.settings.timeout,
	})
	if err != nil {
		if delErr := store.Delete(context.WithoutCancel(ctx), rec.StoragePath); delErr != nil {
			o.settings.log.Warn("partial artifact cleanup failed",
				"target", t.ID,
				"backup_id", rec.ID,
				"path", rec.StoragePath,
				"error", delErr,
			)
		}
		return 0, conn.Password, err
	}
	return size, conn.Password, nil
}

// stream pipes the dumper's stdout straight into the storage upload. The
// side that fails first names the failure; the other side only sees the
// broken pipe.
func (o *BackupOrchestrator) stream(ctx context.Context, store storage.Storage, artifact string, cmd runner.Command) (int64, error) {
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	var (
		size  int64
		once  sync.Once
		first error
	)
	fail := func(err error) { once.Do(func() { first = err }) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := o.deps.Runner.Run(gctx, cmd)
		if err != nil {
			fail(withStderr(err, res.Stderr))
			pw.CloseWithError(err)
			return err
		}
		return pw.Close()
	})
	g.Go(func() error {
		n, err := store.PutStream(gctx, artifact, pr)
		if err != nil {
			fail(fmt.Errorf("%w: %w", ErrUpload, err))
			pr.CloseWithError(err)
			return err
		}
		size = n
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return 0, fmt.Errorf("backup canceled: %w", context.Cause(ctx))
	}
	if first != nil {
		return 0, first
	}
	return size, nil
}

// fail closes rec as failed with a scrubbed reason and notifies.
func (o *BackupOrchestrator) fail(ctx context.Context, t backup.Target, rec *backup.BackupRecord, cause error, secret string) error {
	reason := runner.Scrub(cause.Error(), secret)
	if err := rec.MarkFailed(o.settings.now(), reason); err != nil {
		return err
	}
	if err := o.deps.Repository.UpdateBackup(context.WithoutCancel(ctx), rec); err != nil {
		o.settings.log.Error("persist failed backup record", "target", t.ID, "backup_id", rec.ID, "error", err)
	}
	metrics.BackupAttempts.WithLabelValues(string(backup.StatusFailed)).Inc()
	metrics.BackupDuration.Observe(rec.Duration.Seconds())

	o.settings.log.Error("backup failed",
		"target", t.ID,
		"backup_id", rec.ID,
		"error", reason,
	)
	o.deps.Notifier.Dispatch(t.Notify, backupEvent(t, rec))
	return fmt.Errorf("%w: target %s: %s", ErrBackupFailed, t.ID, reason)
}

// artifactPath is "<target>/<timestamp>-<database>.<ext>".
func artifactPath(t backup.Target, rec *backup.BackupRecord, timestampFormat string) string {
	ext := rec.Format.Extension()
	if rec.Format == backup.FormatPlain && rec.Compression > 0 {
		ext += ".gz"
	}
	name := fmt.Sprintf("%s-%s.%s", rec.CreatedAt.UTC().Format(timestampFormat), t.Connection.Database, ext)
	return path.Join(t.ID, name)
}

func backupEvent(t backup.Target, rec *backup.BackupRecord) notify.Event {
	kind := notify.KindBackupSuccess
	if rec.Status == backup.StatusFailed {
		kind = notify.KindBackupFailed
	}
	return notify.Event{
		Kind:            kind,
		TargetID:        t.ID,
		TargetName:      t.Name,
		RecordID:        rec.ID,
		Status:          string(rec.Status),
		Error:           rec.Error,
		SizeBytes:       rec.SizeBytes,
		DurationSeconds: rec.Duration.Seconds(),
		Timestamp:       rec.CompletedAt,
	}
}

func withStderr(err error, stderr string) error {
	if stderr == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, lastLines(stderr, 5))
}

func lastLines(s string, n int) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	s = s[:end]
	count := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
