// Package cron runs named housekeeping jobs on 5-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one unit of housekeeping work.
type JobFunc func(ctx context.Context) error

type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type job struct {
	name     string
	expr     string
	schedule cronlib.Schedule
	fn       JobFunc
	next     time.Time
}

// Scheduler checks its jobs on every tick and runs each one that is due.
// Jobs run sequentially on the scheduler goroutine.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		jobs:     make(map[string]*job),
	}
}

// AddJob registers fn under name. An empty expression disables the job; a
// malformed one is an error. Re-adding a name replaces the earlier job.
func (s *Scheduler) AddJob(name, expr string, fn JobFunc) error {
	if expr == "" {
		s.logger.Info("cron: job disabled", "job", name)
		return nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, expr: expr, schedule: sched, fn: fn, next: sched.Next(time.Now())}
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NextRun reports when name is next due.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return j.next, true
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", s.Jobs())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}

// RunDue runs every job whose next run is at or before now, advances its
// schedule, and returns the names that ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			j.next = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(a, b int) bool { return due[a].name < due[b].name })

	ran := make([]string, 0, len(due))
	for _, j := range due {
		s.fire(ctx, j)
		ran = append(ran, j.name)
	}
	return ran
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("cron: job panicked", "job", j.name, "panic", rec)
		}
	}()
	if err := j.fn(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", j.name, "cron_expr", j.expr, "error", err)
		return
	}
	s.logger.Info("cron: job ran", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
