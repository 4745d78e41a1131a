package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/operations"
)

type countingRunner struct {
	mu       sync.Mutex
	triggers []backup.Trigger
	err      error
	ran      chan string
}

func (r *countingRunner) Run(_ context.Context, id string, trigger backup.Trigger) (*backup.BackupRecord, error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, trigger)
	r.mu.Unlock()
	if r.ran != nil {
		select {
		case r.ran <- id:
		default:
		}
	}
	return &backup.BackupRecord{TargetID: id, Trigger: trigger}, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func target(id, schedule string) backup.Target {
	return backup.Target{ID: id, Schedule: schedule, Enabled: true}
}

func TestScheduler_FireSkipsPausedAndDisabled(t *testing.T) {
	disabled := target("archive", "0 3 * * *")
	disabled.Enabled = false
	targets := backup.NewMemoryTargets(target("orders", "0 * * * *"), disabled)
	runner := &countingRunner{}
	s := New(targets, runner)
	if err := s.Register(); err != nil {
		t.Fatal(err)
	}

	s.fire("orders")
	s.fire("archive")
	if runner.count() != 1 {
		t.Fatalf("runs = %d, want 1", runner.count())
	}

	if err := s.Pause("orders"); err != nil {
		t.Fatal(err)
	}
	s.fire("orders")
	if runner.count() != 1 {
		t.Errorf("paused target ran")
	}
	if _, ok := s.Next("orders"); !ok {
		t.Error("pause removed the schedule entry")
	}

	if err := s.Resume("orders"); err != nil {
		t.Fatal(err)
	}
	s.fire("orders")
	if runner.count() != 2 {
		t.Errorf("runs after resume = %d, want 2", runner.count())
	}
	if runner.triggers[0] != backup.TriggerScheduled {
		t.Errorf("trigger = %s", runner.triggers[0])
	}
}

func TestScheduler_PauseKeepsAlignment(t *testing.T) {
	targets := backup.NewMemoryTargets(target("orders", "30 2 * * *"))
	s := New(targets, &countingRunner{}, WithLocation(time.UTC))
	if err := s.Register(); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Next("orders")
	s.Pause("orders")
	s.Resume("orders")
	after, _ := s.Next("orders")
	if !before.Equal(after) {
		t.Errorf("next run moved from %s to %s", before, after)
	}
	if before.Hour() != 2 || before.Minute() != 30 {
		t.Errorf("next = %s, want 02:30", before)
	}
}

func TestScheduler_TriggerIsManual(t *testing.T) {
	runner := &countingRunner{err: operations.ErrAlreadyRunning}
	s := New(backup.NewMemoryTargets(target("orders", "")), runner)
	_, err := s.Trigger(context.Background(), "orders")
	if !errors.Is(err, operations.ErrAlreadyRunning) {
		t.Errorf("err = %v", err)
	}
	if runner.triggers[0] != backup.TriggerManual {
		t.Errorf("trigger = %s", runner.triggers[0])
	}
	// Rejected ticks are not surfaced as failures.
	s.fire("orders")
}

func TestScheduler_RegisterRejectsBadSchedule(t *testing.T) {
	s := New(backup.NewMemoryTargets(target("orders", "every tuesday")), &countingRunner{})
	if err := s.Register(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestScheduler_CronTicks(t *testing.T) {
	runner := &countingRunner{ran: make(chan string, 1)}
	s := New(backup.NewMemoryTargets(target("orders", "@every 1s")), runner)
	if err := s.Register(); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop(context.Background())

	select {
	case id := <-runner.ran:
		if id != "orders" {
			t.Errorf("ran %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick within 5s")
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := New(backup.NewMemoryTargets(), &countingRunner{})
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if s.ctx.Err() == nil {
		t.Error("job context not cancelled after stop")
	}
}
