package polling

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stl311/stl311sync/pkg/source"
)

func newSched(t *testing.T, f *fakeFetcher) (*Scheduler, *fakeMaintainer) {
	t.Helper()
	m := &fakeMaintainer{}
	o := newOrch(t, f, &fakeReconciler{}, nil, &sleeper{})
	o.cfg.Maintainer = m
	s, err := NewScheduler(o, SchedulerConfig{
		DailySyncTime: "02:00",
		CleanupTime:   "03:00",
		Location:      time.UTC,
		Now:           func() time.Time { return time.Date(2025, 7, 6, 1, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s, m
}

func TestSchedulerNextRuns(t *testing.T) {
	s, _ := newSched(t, &fakeFetcher{})
	st := s.Status()
	if st.IsRunning {
		t.Fatalf("new scheduler should not be running")
	}
	next := map[string]time.Time{}
	for _, j := range st.Jobs {
		next[j.Name] = j.NextRun
	}
	if !next[JobDailySync].Equal(time.Date(2025, 7, 6, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("daily sync next run: %v", next[JobDailySync])
	}
	if !next[JobCleanup].Equal(time.Date(2025, 7, 6, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("cleanup next run: %v", next[JobCleanup])
	}
	if !next[JobHealthCheck].Equal(time.Date(2025, 7, 6, 2, 30, 0, 0, time.UTC)) {
		t.Fatalf("health next run: %v", next[JobHealthCheck])
	}
	if st.NextRunTime == nil || !st.NextRunTime.Equal(next[JobDailySync]) {
		t.Fatalf("next run time should be the earliest job: %v", st.NextRunTime)
	}
}

func TestRunPending(t *testing.T) {
	f := &fakeFetcher{
		fetch: func(int) (*source.Result, error) { return &source.Result{Records: raws(2), Pages: 1}, nil },
		conn:  source.ConnectionStatus{Status: "success"},
	}
	s, m := newSched(t, f)
	ctx := context.Background()

	if ran := s.RunPending(ctx, time.Date(2025, 7, 6, 1, 59, 0, 0, time.UTC)); len(ran) != 0 {
		t.Fatalf("nothing should be due yet, ran %v", ran)
	}
	ran := s.RunPending(ctx, time.Date(2025, 7, 6, 2, 0, 30, 0, time.UTC))
	if !reflect.DeepEqual(ran, []string{JobDailySync}) || f.calls != 1 {
		t.Fatalf("expected daily sync only, ran %v (fetch calls %d)", ran, f.calls)
	}
	ran = s.RunPending(ctx, time.Date(2025, 7, 6, 3, 5, 0, 0, time.UTC))
	if !reflect.DeepEqual(ran, []string{JobHealthCheck, JobCleanup}) || !m.optimized {
		t.Fatalf("expected health then cleanup, ran %v", ran)
	}

	for _, j := range s.Status().Jobs {
		switch j.Name {
		case JobDailySync:
			if j.LastStatus != StatusSuccess || !j.NextRun.Equal(time.Date(2025, 7, 7, 2, 0, 0, 0, time.UTC)) {
				t.Fatalf("daily sync status: %+v", j)
			}
		case JobHealthCheck:
			if j.LastStatus != "success" {
				t.Fatalf("health status: %+v", j)
			}
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, _ := newSched(t, &fakeFetcher{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != ErrSchedulerRunning {
		t.Fatalf("expected ErrSchedulerRunning, got %v", err)
	}
	if !s.Status().IsRunning {
		t.Fatalf("expected running")
	}
	s.Stop()
	if s.Status().IsRunning {
		t.Fatalf("expected stopped")
	}
	s.Stop()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

func TestParseTimeOfDay(t *testing.T) {
	if _, err := ParseTimeOfDay("25:00"); err == nil {
		t.Fatalf("expected error")
	}
	sched, err := ParseTimeOfDay("14:45")
	if err != nil {
		t.Fatalf("ParseTimeOfDay: %v", err)
	}
	from := time.Date(2025, 1, 1, 15, 0, 0, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(time.Date(2025, 1, 2, 14, 45, 0, 0, time.UTC)) {
		t.Fatalf("next: %v", got)
	}
}
