package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/notify"
	"github.com/kebairia/bacli/internal/runner"
	"github.com/kebairia/bacli/internal/storage"
	"github.com/kebairia/bacli/internal/tooling"
)

func TestRestore_UsesRecordedVersionAndFormat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))
	// The destination now runs something else; it must not be asked.
	h.versions.major = "16"

	var stdin []byte
	h.runner.run = func(_ context.Context, cmd runner.Command) (runner.Result, error) {
		var err error
		stdin, err = io.ReadAll(cmd.Stdin)
		return runner.Result{}, err
	}

	rec, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if rec.Status != backup.StatusSuccess || rec.BackupID != b.ID {
		t.Errorf("record = %+v", rec)
	}
	if h.versions.calls != 0 {
		t.Errorf("version probe called %d times", h.versions.calls)
	}
	if want := (toolCall{tooling.PgRestore, "14"}); len(h.tools.calls) != 1 || h.tools.calls[0] != want {
		t.Errorf("tool lookups = %+v, want %+v", h.tools.calls, want)
	}
	cmd := h.runner.cmds[0]
	if !slices.Contains(cmd.Args, "--format=custom") || !slices.Contains(cmd.Args, "orders") {
		t.Errorf("args = %v", cmd.Args)
	}
	if string(stdin) != "seed" {
		t.Errorf("stdin = %q, want artifact content", stdin)
	}
	if ev := h.notifier.last(); ev.Kind != notify.KindRestoreSuccess {
		t.Errorf("event = %+v", ev)
	}
}

func TestRestore_PlainGzipThroughPsql(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("create table t (id int);\n"))
	zw.Close()
	b.Format = backup.FormatPlain
	b.Compression = 3
	b.MajorVersion = "11"
	b.StoragePath = "orders/legacy.sql.gz"
	if _, err := h.store.PutStream(ctx, b.StoragePath, &buf); err != nil {
		t.Fatal(err)
	}
	// Rewrite the record as if it had been produced as plain output.
	if err := h.repo.DeleteBackup(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.repo.CreateBackup(ctx, b); err != nil {
		t.Fatal(err)
	}

	var script string
	h.runner.run = func(_ context.Context, cmd runner.Command) (runner.Result, error) {
		data, err := io.ReadAll(cmd.Stdin)
		script = string(data)
		return runner.Result{}, err
	}
	if _, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if want := (toolCall{tooling.Psql, "11"}); h.tools.calls[0] != want {
		t.Errorf("tool lookup = %+v, want %+v", h.tools.calls[0], want)
	}
	if script != "create table t (id int);\n" {
		t.Errorf("psql stdin = %q", script)
	}
	if !slices.Contains(h.runner.cmds[0].Args, "ON_ERROR_STOP=1") {
		t.Errorf("args = %v", h.runner.cmds[0].Args)
	}
}

func TestRestore_Override(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	h.deps.Credentials = staticCredentials{password: "prod-pw"}
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))
	h.runner.run = func(_ context.Context, cmd runner.Command) (runner.Result, error) {
		_, err := io.Copy(io.Discard, cmd.Stdin)
		return runner.Result{}, err
	}

	override := &backup.Connection{Host: "staging", Database: "orders_copy", Password: "staging-pw"}
	rec, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, override)
	if err != nil {
		t.Fatal(err)
	}
	cmd := h.runner.cmds[0]
	if !slices.Contains(cmd.Args, "staging") || !slices.Contains(cmd.Args, "orders_copy") || !slices.Contains(cmd.Args, "5432") {
		t.Errorf("args = %v", cmd.Args)
	}
	if cmd.Env["PGPASSWORD"] != "staging-pw" {
		t.Errorf("PGPASSWORD = %q", cmd.Env["PGPASSWORD"])
	}
	if rec.Override == nil || rec.Override.Host != "staging" {
		t.Errorf("record override = %+v", rec.Override)
	}
}

func TestRestore_NotRestorable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	tgt, _ := h.targets.Target("orders")
	rec := backup.NewBackupRecord(tgt, backup.TriggerManual, time.Now())
	if err := h.repo.CreateBackup(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRestoreOrchestrator(h.deps).Restore(ctx, rec.ID, nil); !errors.Is(err, ErrNotRestorable) {
		t.Errorf("err = %v, want ErrNotRestorable", err)
	}
	if _, err := NewRestoreOrchestrator(h.deps).Restore(ctx, "missing", nil); !errors.Is(err, backup.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRestore_ToolFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))
	h.runner.run = func(context.Context, runner.Command) (runner.Result, error) {
		return runner.Result{ExitCode: 1, Stderr: "pg_restore: error: relation exists"}, runner.ErrNonZeroExit
	}
	rec, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, nil)
	if !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("err = %v", err)
	}
	if rec.Status != backup.StatusFailed || !strings.Contains(rec.Error, "relation exists") {
		t.Errorf("record = %s %q", rec.Status, rec.Error)
	}
	if ev := h.notifier.last(); ev.Kind != notify.KindRestoreFailed {
		t.Errorf("event = %+v", ev)
	}
}

func TestRestore_DownloadFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))
	if err := h.store.Delete(ctx, b.StoragePath); err != nil {
		t.Fatal(err)
	}
	rec, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, nil)
	if !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(rec.Error, "download failed") {
		t.Errorf("reason = %q", rec.Error)
	}
	if h.runner.calls() != 0 {
		t.Error("restore tool started without an artifact")
	}
}

// stallingStorage serves a download that never delivers a byte and only
// ends when its context does.
type stallingStorage struct {
	storage.Storage
}

func (stallingStorage) GetStream(ctx context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(stalledReader{ctx}), nil
}

type stalledReader struct{ ctx context.Context }

func (r stalledReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func TestRestore_DeadlineEndsStalledDownload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))
	h.setStorage(stallingStorage{h.store})
	h.runner.run = func(context.Context, runner.Command) (runner.Result, error) {
		return runner.Result{ExitCode: -1}, fmt.Errorf("pg_restore: %w after 1m0s", runner.ErrDeadlineExceeded)
	}

	type result struct {
		rec *backup.RestoreRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, nil)
		done <- result{rec, err}
	}()

	select {
	case res := <-done:
		if !errors.Is(res.err, ErrRestoreFailed) {
			t.Fatalf("err = %v, want ErrRestoreFailed", res.err)
		}
		if !strings.Contains(res.rec.Error, "deadline exceeded") {
			t.Errorf("reason = %q, want deadline exceeded", res.rec.Error)
		}
		if strings.Contains(res.rec.Error, "download failed") {
			t.Errorf("reason = %q, the tool failed first", res.rec.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("restore still blocked after the restore tool hit its deadline")
	}
}

func TestRestore_RecordUpdateFailureClosesRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ordersTarget())
	b := h.seedSuccess(t, "orders", time.Now().Add(-time.Hour))
	repo := &flakyRepository{FileStore: h.repo, failRestore: true}
	h.deps.Repository = repo

	rec, err := NewRestoreOrchestrator(h.deps).Restore(ctx, b.ID, nil)
	if !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("err = %v, want ErrRestoreFailed", err)
	}
	if h.runner.calls() != 0 {
		t.Error("restore tool started without a running record")
	}
	if rec.Status != backup.StatusFailed || !strings.Contains(rec.Error, "update restore record") {
		t.Errorf("record = %s %q", rec.Status, rec.Error)
	}
	if len(repo.restoreStates) != 1 || repo.restoreStates[0] != backup.StatusFailed {
		t.Errorf("persisted states = %v, want [failed]", repo.restoreStates)
	}
}
