package polling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stl311/stl311sync/pkg/normalize"
	"github.com/stl311/stl311sync/pkg/publish"
	"github.com/stl311/stl311sync/pkg/reconcile"
	"github.com/stl311/stl311sync/pkg/source"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 5 * time.Minute
	DefaultRetention    = 30 * 24 * time.Hour

	// StatusAll disables the status filter.
	StatusAll = "all"
)

var errInvalidWindow = errors.New("invalid window")

// Fetcher is the source API client.
type Fetcher interface {
	Fetch(ctx context.Context, q source.Query) (*source.Result, error)
	TestConnection(ctx context.Context) source.ConnectionStatus
}

// Reconciler commits normalized records.
type Reconciler interface {
	Reconcile(ctx context.Context, records []normalize.Record, force bool) (*reconcile.Result, error)
}

// Publisher republishes the map layer after a committed run.
type Publisher interface {
	PublishLayer(ctx context.Context, layer string) (*publish.Result, error)
}

// Maintainer is the store side of the cleanup job.
type Maintainer interface {
	PruneInternalUpdates(ctx context.Context, before time.Time) (int64, error)
	Optimize(ctx context.Context) error
}

// Recorder receives run outcomes, typically for metrics.
type Recorder interface {
	SyncFinished(r *SyncResult)
	SyncRejected()
	ConnectionChecked(st source.ConnectionStatus)
}

type nopRecorder struct{}

func (nopRecorder) SyncFinished(*SyncResult)                  {}
func (nopRecorder) SyncRejected()                             {}
func (nopRecorder) ConnectionChecked(source.ConnectionStatus) {}

// Config holds everything the orchestrator needs. Fetcher, Normalizer and
// Reconciler are required.
type Config struct {
	Fetcher    Fetcher
	Normalizer *normalize.Normalizer
	Reconciler Reconciler
	Maintainer Maintainer // optional; cleanup is a no-op without it
	Publisher  Publisher  // optional
	Recorder   Recorder   // optional
	Log        Logger     // optional; nil = no logging

	LayerName        string
	PublishAfterSync bool
	DefaultStatus    string

	MaxAttempts  int           // defaults to 3
	RetryBackoff time.Duration // defaults to 5m
	Retention    time.Duration // defaults to 30 days

	// Location decides what "today" means for date windows.
	Location *time.Location
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// SyncRequest is a manual sync over the last DaysBack days.
type SyncRequest struct {
	DaysBack int
	Status   string
	Force    bool
}

type Orchestrator struct {
	cfg Config
	log Logger
	rec Recorder

	// One slot: TryAcquire either wins the run or rejects the caller.
	slot *semaphore.Weighted
	// busy mirrors slot ownership for readers; it is never used to acquire.
	busy atomic.Bool

	mu    sync.Mutex
	phase Phase
	last  *SyncResult
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Fetcher == nil || cfg.Normalizer == nil || cfg.Reconciler == nil {
		return nil, errors.New("fetcher, normalizer and reconciler are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	} else if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = source.DefaultStatus
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	o := &Orchestrator{cfg: cfg, log: cfg.Log, rec: cfg.Recorder, slot: semaphore.NewWeighted(1), phase: PhaseIdle}
	if o.log == nil {
		o.log = nopLogger{}
	}
	if o.rec == nil {
		o.rec = nopRecorder{}
	}
	return o, nil
}

// Phase returns the phase of the running attempt, or of the last one.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// LastResult returns the most recent finished run, or nil.
func (o *Orchestrator) LastResult() *SyncResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	return &cp
}

// Running reports whether a sync or cleanup holds the slot.
func (o *Orchestrator) Running() bool { return o.busy.Load() }

func (o *Orchestrator) acquire() bool {
	if !o.slot.TryAcquire(1) {
		return false
	}
	o.busy.Store(true)
	return true
}

func (o *Orchestrator) release() {
	o.busy.Store(false)
	o.slot.Release(1)
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) today() time.Time {
	now := o.cfg.Now().In(o.cfg.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.cfg.Location)
}

// Sync runs over the last req.DaysBack days (at least one) up to today.
func (o *Orchestrator) Sync(ctx context.Context, req SyncRequest) *SyncResult {
	days := req.DaysBack
	if days <= 0 {
		days = 1
	}
	end := o.today()
	return o.run(ctx, "manual", end.AddDate(0, 0, -days), end, req.Status, req.Force)
}

// SyncRange runs over an explicit window with the default status filter.
func (o *Orchestrator) SyncRange(ctx context.Context, start, end time.Time) *SyncResult {
	return o.run(ctx, "range", start, end, "", false)
}

// SyncYesterday covers yesterday. The source wants distinct start and end
// dates, so the window ends today.
func (o *Orchestrator) SyncYesterday(ctx context.Context) *SyncResult {
	return o.syncYesterday(ctx, "manual")
}

func (o *Orchestrator) syncYesterday(ctx context.Context, trigger string) *SyncResult {
	end := o.today()
	return o.run(ctx, trigger, end.AddDate(0, 0, -1), end, "", false)
}

// SyncLastNDays covers the n days before today.
func (o *Orchestrator) SyncLastNDays(ctx context.Context, n int) *SyncResult {
	return o.Sync(ctx, SyncRequest{DaysBack: n})
}

func (o *Orchestrator) run(ctx context.Context, trigger string, start, end time.Time, status string, force bool) *SyncResult {
	res := &SyncResult{
		RunID:       uuid.NewString(),
		Trigger:     trigger,
		WindowStart: start,
		WindowEnd:   end,
		Force:       force,
		StartedAt:   o.cfg.Now(),
	}
	res.StatusQuery = o.statusFilter(status)

	if !o.acquire() {
		res.Status = StatusError
		res.Message = ErrSyncInProgress.Error()
		res.Err = ErrSyncInProgress
		res.FinishedAt = o.cfg.Now()
		o.rec.SyncRejected()
		o.log.Warnf("[%s] %s sync rejected: %v", res.RunID, trigger, ErrSyncInProgress)
		return res
	}
	defer o.release()

	if end.Before(start) {
		err := fmt.Errorf("%w: end %s is before start %s", errInvalidWindow, end.Format("2006-01-02"), start.Format("2006-01-02"))
		o.finish(res, StatusError, err.Error(), err)
		return res
	}

	o.log.Infof("[%s] %s sync for %s to %s started", res.RunID, trigger, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var err error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		res.resetCounts()
		err = o.attempt(ctx, res)
		if err == nil {
			break
		}
		o.setPhase(PhaseFailed)
		o.log.Warnf("[%s] sync attempt %d/%d failed: %v", res.RunID, attempt, o.cfg.MaxAttempts, err)
		if !retryable(err) || ctx.Err() != nil || attempt == o.cfg.MaxAttempts {
			break
		}
		o.log.Infof("[%s] retrying in %s", res.RunID, o.cfg.RetryBackoff)
		if serr := o.cfg.Sleep(ctx, o.cfg.RetryBackoff); serr != nil {
			err = serr
			break
		}
	}

	if err != nil {
		msg := fmt.Sprintf("sync failed after %d attempt(s): %v", res.Attempts, err)
		if !retryable(err) {
			msg = fmt.Sprintf("sync failed: %v", err)
		}
		o.finish(res, StatusError, msg, err)
		return res
	}

	outcome := StatusSuccess
	msg := fmt.Sprintf("%d fetched, %d validated, %d inserted, %d updated", res.Fetched, res.Validated, res.Inserted, res.Updated)
	if res.Fetched == 0 {
		msg = "No new data found"
	}
	if res.Truncated {
		outcome = StatusPartial
		msg += fmt.Sprintf("; fetch stopped after page %d: %v", res.Pages, res.Err)
	}

	// A committed run is final; a failed publish only annotates it.
	if o.cfg.PublishAfterSync && o.cfg.Publisher != nil && o.cfg.LayerName != "" {
		if pr, perr := o.cfg.Publisher.PublishLayer(ctx, o.cfg.LayerName); perr != nil {
			o.log.Warnf("[%s] publish %s failed: %v", res.RunID, o.cfg.LayerName, perr)
			msg += fmt.Sprintf("; publish failed: %v", perr)
		} else {
			res.Published = true
			o.log.Infof("[%s] publish %s: %s", res.RunID, o.cfg.LayerName, pr.Message)
		}
	}

	o.finish(res, outcome, msg, res.Err)
	return res
}

// attempt is one fetch, normalize, reconcile pass. A transport failure after
// at least one record was fetched still reconciles what arrived and marks the
// result truncated instead of failing.
func (o *Orchestrator) attempt(ctx context.Context, res *SyncResult) error {
	res.Err = nil

	o.setPhase(PhaseFetching)
	fetched, err := o.cfg.Fetcher.Fetch(ctx, source.Query{Start: res.WindowStart, End: res.WindowEnd, Status: res.StatusQuery})
	if fetched != nil {
		res.Pages = fetched.Pages
		res.Fetched = len(fetched.Records)
	}
	if err != nil {
		var te *source.TransportError
		if !errors.As(err, &te) || fetched == nil || len(fetched.Records) == 0 {
			return err
		}
		res.Truncated = true
		res.Err = err
		o.log.Warnf("[%s] fetch truncated, continuing with %d records: %v", res.RunID, len(fetched.Records), err)
	}
	if fetched == nil {
		fetched = &source.Result{}
	}
	if fetched.CapReached {
		o.log.Warnf("[%s] page cap reached; later pages were not fetched", res.RunID)
	}

	o.setPhase(PhaseNormalizing)
	records, stats := o.cfg.Normalizer.Batch(fetched.Records)
	res.Validated = stats.Processed
	res.Dropped = stats.Dropped()
	if res.Dropped > 0 || stats.InvalidDates > 0 {
		o.log.Infof("[%s] normalized %d/%d records (%d without coordinates, %d without id, %d bad dates)",
			res.RunID, stats.Processed, stats.Total, stats.MissingCoordinates, stats.MissingIdentifier, stats.InvalidDates)
	}
	if len(stats.UnknownFields) > 0 {
		names := make([]string, 0, len(stats.UnknownFields))
		for name := range stats.UnknownFields {
			names = append(names, name)
		}
		o.log.Debugf("[%s] unexpected source fields: %s", res.RunID, strings.Join(names, ", "))
	}

	o.setPhase(PhaseReconciling)
	rr, err := o.cfg.Reconciler.Reconcile(ctx, records, res.Force)
	if err != nil {
		return err
	}
	res.Inserted, res.Updated, res.Skipped = rr.Inserted, rr.Updated, rr.Skipped
	o.setPhase(PhaseCommitted)
	return nil
}

func (o *Orchestrator) finish(res *SyncResult, status, msg string, err error) {
	res.Status = status
	res.Message = msg
	res.Err = err
	res.FinishedAt = o.cfg.Now()

	o.mu.Lock()
	cp := *res
	o.last = &cp
	o.mu.Unlock()
	o.rec.SyncFinished(res)

	switch status {
	case StatusError:
		o.log.Errorf("[%s] sync %s: %s", res.RunID, status, msg)
	default:
		o.log.Infof("[%s] sync %s: %s", res.RunID, status, msg)
	}
}

func (o *Orchestrator) statusFilter(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = o.cfg.DefaultStatus
	}
	if strings.EqualFold(s, StatusAll) {
		return ""
	}
	return s
}

// retryable reports whether another attempt could succeed. Malformed
// payloads and cancellation fail the same way every time.
func retryable(err error) bool {
	var fe *source.FormatError
	if errors.As(err, &fe) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, errInvalidWindow)
}

// Cleanup prunes internal status updates past the retention window. It
// shares the single-flight slot with syncs.
func (o *Orchestrator) Cleanup(ctx context.Context) (*CleanupResult, error) {
	if !o.acquire() {
		return nil, ErrSyncInProgress
	}
	defer o.release()

	cr := &CleanupResult{Cutoff: o.cfg.Now().Add(-o.cfg.Retention)}
	if o.cfg.Maintainer == nil {
		cr.FinishedAt = o.cfg.Now()
		return cr, nil
	}
	n, err := o.cfg.Maintainer.PruneInternalUpdates(ctx, cr.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune status updates: %w", err)
	}
	cr.Pruned = n
	if err := o.cfg.Maintainer.Optimize(ctx); err != nil {
		o.log.Warnf("store optimize failed: %v", err)
	}
	cr.FinishedAt = o.cfg.Now()
	o.log.Infof("cleanup removed %d internal status updates older than %s", n, cr.Cutoff.Format(time.RFC3339))
	return cr, nil
}

// HealthCheck tests the source API connection. It never touches the store.
func (o *Orchestrator) HealthCheck(ctx context.Context) source.ConnectionStatus {
	st := o.cfg.Fetcher.TestConnection(ctx)
	o.rec.ConnectionChecked(st)
	if st.Status != "success" {
		o.log.Warnf("source health check failed: %s", st.Message)
	} else {
		o.log.Debugf("source health check passed (%s)", st.Latency)
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
