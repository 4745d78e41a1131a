package operations

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/notify"
	"github.com/kebairia/bacli/internal/runner"
	"github.com/kebairia/bacli/internal/storage"
)

type staticCredentials struct{ password string }

func (c staticCredentials) Resolve(_ context.Context, t backup.Target) (backup.Connection, error) {
	conn := t.Connection
	if c.password != "" {
		conn.Password = c.password
	}
	return conn, nil
}

type fixedVersion struct {
	mu    sync.Mutex
	major string
	calls int
}

func (v *fixedVersion) Resolve(context.Context, backup.Target, backup.Connection) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.major
}

type toolCall struct{ tool, major string }

type recordingTools struct {
	mu    sync.Mutex
	calls []toolCall
	path  string
	err   error
}

func (r *recordingTools) Resolve(tool, major string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, toolCall{tool, major})
	if r.err != nil {
		return "", r.err
	}
	if r.path != "" {
		return r.path, nil
	}
	return "/usr/bin/" + tool, nil
}

// fakeRunner hands each command to run and remembers it.
type fakeRunner struct {
	mu   sync.Mutex
	cmds []runner.Command
	run  func(ctx context.Context, cmd runner.Command) (runner.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	if f.run == nil {
		return runner.Result{}, nil
	}
	return f.run(ctx, cmd)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}

func writeDump(payload string) func(context.Context, runner.Command) (runner.Result, error) {
	return func(_ context.Context, cmd runner.Command) (runner.Result, error) {
		_, err := io.WriteString(cmd.Stdout, payload)
		return runner.Result{}, err
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(_ string, ev notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) last() notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return notify.Event{}
	}
	return d.events[len(d.events)-1]
}

// fakeStorage fails the configured operations and otherwise delegates.
type fakeStorage struct {
	storage.Storage
	putErr    error
	deleteErr error
	deleted   []string
}

func (f *fakeStorage) PutStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	return f.Storage.PutStream(ctx, path, r)
}

func (f *fakeStorage) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Storage.Delete(ctx, path)
}

// flakyRepository fails the first update of each record kind.
type flakyRepository struct {
	*backup.FileStore
	mu            sync.Mutex
	failBackup    bool
	failRestore   bool
	restoreStates []backup.Status
}

func (r *flakyRepository) UpdateBackup(ctx context.Context, rec *backup.BackupRecord) error {
	r.mu.Lock()
	fail := r.failBackup
	r.failBackup = false
	r.mu.Unlock()
	if fail {
		return errBoom
	}
	return r.FileStore.UpdateBackup(ctx, rec)
}

func (r *flakyRepository) UpdateRestore(ctx context.Context, rec *backup.RestoreRecord) error {
	r.mu.Lock()
	fail := r.failRestore
	r.failRestore = false
	if !fail {
		r.restoreStates = append(r.restoreStates, rec.Status)
	}
	r.mu.Unlock()
	if fail {
		return errBoom
	}
	return r.FileStore.UpdateRestore(ctx, rec)
}

type harness struct {
	targets  *backup.MemoryTargets
	repo     *backup.FileStore
	store    storage.Storage
	versions *fixedVersion
	tools    *recordingTools
	runner   *fakeRunner
	notifier *recordingDispatcher
	deps     Dependencies
}

func newHarness(t *testing.T, targets ...backup.Target) *harness {
	t.Helper()
	repo, err := backup.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		targets:  backup.NewMemoryTargets(targets...),
		repo:     repo,
		store:    local,
		versions: &fixedVersion{major: "14"},
		tools:    &recordingTools{},
		runner:   &fakeRunner{},
		notifier: &recordingDispatcher{},
	}
	h.deps = Dependencies{
		Targets:     h.targets,
		Repository:  h.repo,
		Credentials: staticCredentials{},
		Versions:    h.versions,
		Tools:       h.tools,
		Runner:      h.runner,
		Storages:    storage.Set{backup.DefaultStorage: h.store},
		Notifier:    h.notifier,
		Locks:       NewTargetLocks(),
	}
	return h
}

func (h *harness) setStorage(s storage.Storage) {
	h.store = s
	h.deps.Storages = storage.Set{backup.DefaultStorage: s}
}

// seedSuccess stores a successful record completed at completed with an
// artifact of the same name.
func (h *harness) seedSuccess(t *testing.T, targetID string, completed time.Time) *backup.BackupRecord {
	t.Helper()
	ctx := context.Background()
	tgt, err := h.targets.Target(targetID)
	if err != nil {
		t.Fatal(err)
	}
	rec := backup.NewBackupRecord(tgt, backup.TriggerScheduled, completed.Add(-time.Minute))
	if err := h.repo.CreateBackup(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := rec.MarkRunning(completed.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	rec.StoragePath = targetID + "/" + completed.UTC().Format(DefaultTimestampFormat) + "-seed.dump"
	rec.MajorVersion = "14"
	rec.Format = backup.FormatCustom
	if _, err := h.store.PutStream(ctx, rec.StoragePath, strings.NewReader("seed")); err != nil {
		t.Fatal(err)
	}
	if err := rec.MarkSuccess(completed, 4); err != nil {
		t.Fatal(err)
	}
	if err := h.repo.UpdateBackup(ctx, rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func ordersTarget() backup.Target {
	return backup.Target{
		ID:          "orders",
		Name:        "Orders DB",
		Connection:  backup.Connection{Host: "db", Port: "5432", Username: "app", Database: "orders"},
		Enabled:     true,
		VersionHint: backup.VersionLatest,
		Retention:   backup.KeepLast(7),
		Notify:      "ops",
	}
}

var errBoom = errors.New("boom")
