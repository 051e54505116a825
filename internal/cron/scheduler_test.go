package cron_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/sketchdojo-rt/internal/cron"
)

func TestNextRunTime(t *testing.T) {
	base := time.Date(2025, 3, 10, 14, 7, 30, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2025, 3, 10, 14, 8, 0, 0, time.UTC)},
		{"30 3 * * *", time.Date(2025, 3, 11, 3, 30, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 3, 10, 14, 15, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := cron.NextRunTime(tt.expr, base)
		if err != nil {
			t.Fatalf("%s: %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.expr, got, tt.want)
		}
	}
	if _, err := cron.NextRunTime("not a cron", base); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NextRunTime("0 0 0 * * *", base); err == nil {
		t.Fatal("six-field expressions should be rejected")
	}
}

func TestScheduler_AddJob(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	noop := func(context.Context) error { return nil }

	if err := s.AddJob("bad", "every day", noop); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected error naming the job, got %v", err)
	}
	if err := s.AddJob("off", "", noop); err != nil {
		t.Fatalf("empty expression should disable, got %v", err)
	}
	if err := s.AddJob("retention", "30 3 * * *", noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0] != "retention" {
		t.Fatalf("unexpected jobs %v", jobs)
	}
	next, ok := s.NextRun("retention")
	if !ok || !next.After(time.Now()) {
		t.Fatalf("next run should be in the future, got %v", next)
	}
}

func TestScheduler_RunDueAdvances(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var runs atomic.Int32
	if err := s.AddJob("stats", "* * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()

	if ran := s.RunDue(ctx, time.Now()); len(ran) != 0 {
		t.Fatalf("job should not be due yet, ran %v", ran)
	}
	next, _ := s.NextRun("stats")
	ran := s.RunDue(ctx, next)
	if len(ran) != 1 || ran[0] != "stats" || runs.Load() != 1 {
		t.Fatalf("expected one run, got %v (%d)", ran, runs.Load())
	}
	again, _ := s.NextRun("stats")
	if !again.After(next) {
		t.Fatalf("schedule should advance past %v, got %v", next, again)
	}
	if ran := s.RunDue(ctx, next); len(ran) != 0 {
		t.Fatal("a job must not run twice for the same slot")
	}
}

func TestScheduler_FailingJobsDoNotStopOthers(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var ok atomic.Bool
	_ = s.AddJob("a-fails", "* * * * *", func(context.Context) error { return errors.New("disk full") })
	_ = s.AddJob("b-panics", "* * * * *", func(context.Context) error { panic("boom") })
	_ = s.AddJob("c-works", "* * * * *", func(context.Context) error {
		ok.Store(true)
		return nil
	})

	ran := s.RunDue(context.Background(), time.Now().Add(2*time.Minute))
	if strings.Join(ran, ",") != "a-fails,b-panics,c-works" {
		t.Fatalf("unexpected run order %v", ran)
	}
	if !ok.Load() {
		t.Fatal("healthy job did not run")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := cron.NewScheduler(cron.Config{Interval: 10 * time.Millisecond})
	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
