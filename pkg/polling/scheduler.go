package polling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron"
)

const (
	DefaultDailySyncTime  = "02:00"
	DefaultCleanupTime    = "03:00"
	DefaultHealthInterval = time.Hour
	DefaultPollInterval   = 30 * time.Second

	JobDailySync   = "daily_sync"
	JobCleanup     = "cleanup"
	JobHealthCheck = "health_check"
)

var ErrSchedulerRunning = errors.New("scheduler already running")

type SchedulerConfig struct {
	DailySyncTime  string // HH:MM
	CleanupTime    string // HH:MM
	HealthInterval time.Duration
	PollInterval   time.Duration
	Location       *time.Location
	Now            func() time.Time
	Log            Logger
}

type job struct {
	name       string
	schedule   cron.Schedule
	next       time.Time
	run        func(ctx context.Context) string
	lastRun    time.Time
	lastStatus string
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name       string     `json:"name"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
}

type SchedulerStatus struct {
	IsRunning   bool        `json:"is_running"`
	NextRunTime *time.Time  `json:"next_run_time,omitempty"`
	Jobs        []JobStatus `json:"jobs"`
}

// Scheduler polls a due-job list and runs due jobs inline, one at a time.
// Syncs it starts go through the orchestrator's single-flight slot like any
// manual trigger.
type Scheduler struct {
	orch *Orchestrator
	cfg  SchedulerConfig
	log  Logger

	mu      sync.Mutex
	jobs    []*job
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// ParseTimeOfDay turns "HH:MM" into a daily cron schedule.
func ParseTimeOfDay(s string) (cron.Schedule, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return nil, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return cron.ParseStandard(fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()))
}

func NewScheduler(orch *Orchestrator, cfg SchedulerConfig) (*Scheduler, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.DailySyncTime == "" {
		cfg.DailySyncTime = DefaultDailySyncTime
	}
	if cfg.CleanupTime == "" {
		cfg.CleanupTime = DefaultCleanupTime
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}

	syncSched, err := ParseTimeOfDay(cfg.DailySyncTime)
	if err != nil {
		return nil, fmt.Errorf("daily sync: %w", err)
	}
	cleanupSched, err := ParseTimeOfDay(cfg.CleanupTime)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}

	s := &Scheduler{orch: orch, cfg: cfg, log: log}
	s.jobs = []*job{
		{name: JobDailySync, schedule: syncSched, run: s.dailySync},
		{name: JobCleanup, schedule: cleanupSched, run: s.cleanup},
		{name: JobHealthCheck, schedule: cron.Every(cfg.HealthInterval), run: s.healthCheck},
	}
	s.reschedule(s.now())
	return s, nil
}

func (s *Scheduler) now() time.Time { return s.cfg.Now().In(s.cfg.Location) }

// reschedule computes every job's next run from now. Jobs missed while the
// scheduler was stopped are not replayed.
func (s *Scheduler) reschedule(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
	}
}

// Start launches the polling loop. It returns ErrSchedulerRunning if the
// loop is already active.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.reschedule(s.now())
	s.log.Infof("scheduler started: daily sync at %s, cleanup at %s, health check every %s",
		s.cfg.DailySyncTime, s.cfg.CleanupTime, s.cfg.HealthInterval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.markStopped()
				return
			case <-stop:
				return
			case <-ticker.C:
				s.RunPending(ctx, s.now())
			}
		}
	}()
	return nil
}

func (s *Scheduler) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop ends the loop and waits for a job in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.log.Infof("scheduler stopped")
}

// RunPending runs every job due at now, in schedule order, and returns the
// names of the jobs it ran.
func (s *Scheduler) RunPending(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(a, b int) bool { return due[a].next.Before(due[b].next) })
	s.mu.Unlock()

	var ran []string
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		s.log.Debugf("running scheduled job %s", j.name)
		status := j.run(ctx)

		s.mu.Lock()
		j.lastRun = now
		j.lastStatus = status
		j.next = j.schedule.Next(now)
		s.mu.Unlock()
		ran = append(ran, j.name)
	}
	return ran
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{IsRunning: s.running}
	for _, j := range s.jobs {
		js := JobStatus{Name: j.name, NextRun: j.next, LastStatus: j.lastStatus}
		if !j.lastRun.IsZero() {
			t := j.lastRun
			js.LastRun = &t
		}
		st.Jobs = append(st.Jobs, js)
		if st.NextRunTime == nil || j.next.Before(*st.NextRunTime) {
			t := j.next
			st.NextRunTime = &t
		}
	}
	return st
}

func (s *Scheduler) dailySync(ctx context.Context) string {
	res := s.orch.syncYesterday(ctx, "scheduled")
	if errors.Is(res.Err, ErrSyncInProgress) {
		s.log.Warnf("daily sync skipped: %v", res.Err)
		return "skipped"
	}
	return res.Status
}

func (s *Scheduler) cleanup(ctx context.Context) string {
	res, err := s.orch.Cleanup(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.log.Warnf("cleanup skipped: %v", err)
		return "skipped"
	case err != nil:
		s.log.Errorf("cleanup failed: %v", err)
		return StatusError
	}
	s.log.Debugf("cleanup pruned %d rows", res.Pruned)
	return StatusSuccess
}

func (s *Scheduler) healthCheck(ctx context.Context) string {
	return s.orch.HealthCheck(ctx).Status
}
