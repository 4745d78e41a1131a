package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kebairia/bacli/internal/backup"
	"github.com/kebairia/bacli/internal/logger"
	"github.com/kebairia/bacli/internal/metrics"
	"github.com/kebairia/bacli/internal/operations"
)

// ErrStopped is returned for triggers after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Parser accepts five-field cron expressions and descriptors like @daily.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// BackupRunner is the single entry point for every backup attempt.
type BackupRunner interface {
	Run(ctx context.Context, targetID string, trigger backup.Trigger) (*backup.BackupRecord, error)
}

// TargetStore is the target source plus the paused flag.
type TargetStore interface {
	backup.TargetSource
	SetPaused(id string, paused bool) error
}

// Option overrides defaults on a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLocation sets the time zone schedules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// Scheduler fires scheduled backups. Each tick runs in its own goroutine,
// so a long backup never delays other ticks; overlap on one target is
// rejected by the orchestrator's lock.
type Scheduler struct {
	targets  TargetStore
	backups  BackupRunner
	log      logger.Logger
	location *time.Location

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	stopped bool

	// triggered tracks on-demand runs started over HTTP.
	triggered   sync.WaitGroup
	triggerWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped scheduler.
func New(targets TargetStore, backups BackupRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		targets:  targets,
		backups:  backups,
		log:      logger.Nop(),
		location:    time.Local,
		entries:     make(map[string]cron.EntryID),
		triggerWait: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	return s
}

// Register adds a cron entry for every target that has a schedule.
// Disabled and paused targets are registered too and skipped at fire time,
// so resuming keeps the original cron alignment.
func (s *Scheduler) Register() error {
	for _, t := range s.targets.Targets() {
		if t.Schedule == "" {
			continue
		}
		if err := s.add(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) add(t backup.Target) error {
	schedule, err := Parser.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("target %s: invalid schedule %q: %w", t.ID, t.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[t.ID]; ok {
		return fmt.Errorf("target %s: already scheduled", t.ID)
	}
	id := t.ID
	s.entries[id] = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(id) }))
	s.log.Debug("target scheduled", "target", id, "schedule", t.Schedule)
	return nil
}

// Start begins firing entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "targets", len(s.entries))
}

// Stop halts new ticks and waits for running backups, scheduled or
// triggered. If ctx ends first the running backups are cancelled and Stop
// returns ctx's error once they exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.triggered.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.log.Warn("scheduler stopped, running backups cancelled")
		return ctx.Err()
	}
}

// Pause keeps the target's entry but skips its ticks.
func (s *Scheduler) Pause(id string) error {
	if err := s.targets.SetPaused(id, true); err != nil {
		return err
	}
	s.log.Info("target paused", "target", id)
	return nil
}

// Resume lets the target's next aligned tick run again.
func (s *Scheduler) Resume(id string) error {
	if err := s.targets.SetPaused(id, false); err != nil {
		return err
	}
	s.log.Info("target resumed", "target", id)
	return nil
}

// Trigger runs an on-demand backup through the same entry point and lock
// as scheduled ticks. A backup already in flight makes it fail with
// operations.ErrAlreadyRunning instead of queueing.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*backup.BackupRecord, error) {
	return s.backups.Run(ctx, id, backup.TriggerManual)
}

type triggerResult struct {
	rec *backup.BackupRecord
	err error
}

// triggerAsync starts an on-demand backup that outlives the caller and is
// cancelled only by Stop.
func (s *Scheduler) triggerAsync(id string) (<-chan triggerResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.triggered.Add(1)
	s.mu.Unlock()

	out := make(chan triggerResult, 1)
	go func() {
		defer s.triggered.Done()
		rec, err := s.Trigger(s.ctx, id)
		out <- triggerResult{rec, err}
	}()
	return out, nil
}

// Next reports when the target's entry fires next.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if entry.Next.IsZero() {
		// Not started yet: compute from now.
		return entry.Schedule.Next(time.Now().In(s.location)), true
	}
	return entry.Next, true
}

func (s *Scheduler) fire(id string) {
	t, err := s.targets.Target(id)
	if err != nil {
		s.log.Warn("scheduled target vanished", "target", id, "error", err)
		return
	}
	switch {
	case !t.Enabled:
		metrics.SchedulerSkipped.WithLabelValues(metrics.SkipDisabled).Inc()
		s.log.Debug("backup skipped", "target", id, "reason", metrics.SkipDisabled)
		return
	case t.Paused:
		metrics.SchedulerSkipped.WithLabelValues(metrics.SkipPaused).Inc()
		s.log.Debug("backup skipped", "target", id, "reason", metrics.SkipPaused)
		return
	}

	_, err = s.backups.Run(s.ctx, id, backup.TriggerScheduled)
	switch {
	case err == nil:
	case errors.Is(err, operations.ErrAlreadyRunning):
		metrics.SchedulerSkipped.WithLabelValues(metrics.SkipAlreadyRunning).Inc()
	default:
		// Retried on the next tick.
		s.log.Debug("scheduled backup did not succeed", "target", id, "error", err)
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron "+msg, append(keysAndValues, "error", err)...)
}
