package operations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/database"
	"github.com/kebairia/bacli/internal/metrics"
	"github.com/kebairia/bacli/internal/notify"
	"github.com/kebairia/bacli/internal/runner"
	"github.com/kebairia/bacli/internal/tooling"
)

// RestoreOrchestrator replays a stored backup into a database.
type RestoreOrchestrator struct {
	deps     Dependencies
	settings settings
}

// NewRestoreOrchestrator wires deps.
func NewRestoreOrchestrator(deps Dependencies, opts ...Option) *RestoreOrchestrator {
	return &RestoreOrchestrator{deps: deps.withDefaults(), settings: newSettings(opts...)}
}

// Restore replays backupID into the original target's database, or into
// override when given. The tool is chosen from the major version and
// format stored on the backup record; the destination is never probed.
func (o *RestoreOrchestrator) Restore(ctx context.Context, backupID string, override *backup.Connection) (*backup.RestoreRecord, error) {
	log := o.settings.log
	b, err := o.deps.Repository.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status != backup.StatusSuccess || b.StoragePath == "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRestorable, b.ID, b.Status)
	}
	t, err := o.deps.Targets.Target(b.TargetID)
	if err != nil {
		return nil, err
	}

	var stored *backup.Connection
	if override != nil {
		c := *override
		stored = &c
	}
	rec := backup.NewRestoreRecord(b, stored, o.settings.now())
	if err := o.deps.Repository.CreateRestore(ctx, rec); err != nil {
		return nil, fmt.Errorf("create restore record: %w", err)
	}
	if err := rec.MarkRunning(o.settings.now()); err != nil {
		return rec, o.fail(ctx, t, b, rec, err, "")
	}
	if err := o.deps.Repository.UpdateRestore(ctx, rec); err != nil {
		return rec, o.fail(ctx, t, b, rec, fmt.Errorf("update restore record: %w", err), "")
	}

	log.Info("restore started",
		"target", t.ID,
		"restore_id", rec.ID,
		"backup_id", b.ID,
		"major_version", b.MajorVersion,
		"format", b.Format,
	)

	secret, err := o.execute(ctx, t, b, override)
	if err != nil {
		return rec, o.fail(ctx, t, b, rec, err, secret)
	}

	if err := rec.MarkSuccess(o.settings.now()); err != nil {
		return rec, err
	}
	if err := o.deps.Repository.UpdateRestore(context.WithoutCancel(ctx), rec); err != nil {
		return rec, fmt.Errorf("persist restore record: %w", err)
	}
	metrics.RestoreAttempts.WithLabelValues(string(backup.StatusSuccess)).Inc()
	log.Info("restore completed",
		"target", t.ID,
		"restore_id", rec.ID,
		"backup_id", b.ID,
		"duration", rec.Duration.String(),
	)
	o.deps.Notifier.Dispatch(t.Notify, restoreEvent(t, rec))
	return rec, nil
}

func (o *RestoreOrchestrator) execute(ctx context.Context, t backup.Target, b *backup.BackupRecord, override *backup.Connection) (string, error) {
	conn, err := o.deps.Credentials.Resolve(ctx, t)
	if err != nil {
		return conn.Password, err
	}
	if override != nil {
		conn = conn.Merge(*override)
	}

	major := b.MajorVersion
	if major == "" {
		major = backup.VersionLatest
	}
	pg := database.NewPostgres(conn, database.WithPostgresFormat(b.Format, b.Compression))

	tool, args := tooling.PgRestore, pg.RestoreArgs()
	if b.Format != backup.FormatCustom {
		tool, args = tooling.Psql, pg.PsqlArgs()
	}
	path, err := o.deps.Tools.Resolve(tool, major)
	if err != nil {
		return conn.Password, err
	}
	store, err := o.deps.Storages.Get(b.Storage)
	if err != nil {
		return conn.Password, err
	}
	// The download lives only as long as the restore tool: once the tool
	// returns, a stalled read is cancelled instead of holding the attempt.
	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src, err := store.GetStream(dlCtx, b.StoragePath)
	if err != nil {
		return conn.Password, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer src.Close()

	gunzip := b.Format == backup.FormatPlain && b.Compression > 0
	return conn.Password, o.stream(ctx, src, cancel, gunzip, runner.Command{
		Path:    path,
		Args:    args,
		Env:     pg.Env(),
		Timeout: o.settings.timeout,
	})
}

// fail closes rec as failed with a scrubbed reason and notifies.
func (o *RestoreOrchestrator) fail(ctx context.Context, t backup.Target, b *backup.BackupRecord, rec *backup.RestoreRecord, cause error, secret string) error {
	log := o.settings.log
	reason := runner.Scrub(cause.Error(), secret)
	if err := rec.MarkFailed(o.settings.now(), reason); err != nil {
		return err
	}
	if err := o.deps.Repository.UpdateRestore(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("persist failed restore record", "restore_id", rec.ID, "error", err)
	}
	metrics.RestoreAttempts.WithLabelValues(string(backup.StatusFailed)).Inc()
	log.Error("restore failed", "target", t.ID, "restore_id", rec.ID, "error", reason)
	o.deps.Notifier.Dispatch(t.Notify, restoreEvent(t, rec))
	return fmt.Errorf("%w: backup %s: %s", ErrRestoreFailed, b.ID, reason)
}

// stream copies the artifact into the restore tool's stdin. As for
// backups, the side that fails first names the failure. stopSource is
// called as soon as the tool returns; it cancels the download context so a
// pending read fails instead of blocking.
func (o *RestoreOrchestrator) stream(ctx context.Context, src io.Reader, stopSource func(), gunzip bool, cmd runner.Command) error {
	pr, pw := io.Pipe()
	cmd.Stdin = pr

	var (
		once     sync.Once
		first    error
		toolDone atomic.Bool
	)
	fail := func(err error) { once.Do(func() { first = err }) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r := src
		if gunzip {
			zr, err := gzip.NewReader(src)
			if err != nil && toolDone.Load() {
				return nil
			}
			if err != nil {
				err = fmt.Errorf("%w: open gzip stream: %w", ErrDownload, err)
				fail(err)
				pw.CloseWithError(err)
				return err
			}
			defer zr.Close()
			r = zr
		}
		if _, err := io.Copy(pw, r); err != nil {
			// The tool exited first; its own result decides.
			if toolDone.Load() || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			fail(fmt.Errorf("%w: %w", ErrDownload, err))
			pw.CloseWithError(err)
			return err
		}
		return pw.Close()
	})
	g.Go(func() error {
		res, err := o.deps.Runner.Run(gctx, cmd)
		if err != nil {
			fail(withStderr(err, res.Stderr))
		}
		toolDone.Store(true)
		pr.CloseWithError(io.ErrClosedPipe)
		stopSource()
		return err
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return fmt.Errorf("restore canceled: %w", context.Cause(ctx))
	}
	return first
}

func restoreEvent(t backup.Target, rec *backup.RestoreRecord) notify.Event {
	kind := notify.KindRestoreSuccess
	if rec.Status == backup.StatusFailed {
		kind = notify.KindRestoreFailed
	}
	return notify.Event{
		Kind:            kind,
		TargetID:        t.ID,
		TargetName:      t.Name,
		RecordID:        rec.ID,
		Status:          string(rec.Status),
		Error:           rec.Error,
		DurationSeconds: rec.Duration.Seconds(),
		Timestamp:       rec.CompletedAt,
	}
}
