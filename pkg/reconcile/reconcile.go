// Package reconcile diffs normalized records against the store and commits
// the resulting inserts, updates and audit entries as one unit.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stl311/stl311sync/pkg/normalize"
	"github.com/stl311/stl311sync/pkg/storage"
)

// DefaultTerminalStatuses mark a request as finished.
var DefaultTerminalStatuses = []string{"closed", "resolved", "completed"}

// Store is the part of the storage layer reconciliation needs.
type Store interface {
	FindByExternalIDs(ctx context.Context, ids []int64) (map[int64]*storage.StoredRequest, error)
	Commit(ctx context.Context, cs *storage.Changeset) error
}

// PersistenceError wraps a store failure. Nothing from the batch was
// written when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

type Config struct {
	TerminalStatuses []string
	Now              func() time.Time
}

type Engine struct {
	store    Store
	terminal map[string]bool
	now      func() time.Time
}

func New(store Store, cfg Config) *Engine {
	if len(cfg.TerminalStatuses) == 0 {
		cfg.TerminalStatuses = DefaultTerminalStatuses
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	terminal := make(map[string]bool, len(cfg.TerminalStatuses))
	for _, s := range cfg.TerminalStatuses {
		terminal[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Engine{store: store, terminal: terminal, now: cfg.Now}
}

// Result counts one call. Every input record lands in exactly one of
// Inserted, Updated or Skipped.
type Result struct {
	Inserted int                    `json:"inserted"`
	Updated  int                    `json:"updated"`
	Skipped  int                    `json:"skipped"`
	Audit    []storage.StatusUpdate `json:"audit,omitempty"`
}

// IsTerminal reports whether status finishes a request, ignoring case.
func (e *Engine) IsTerminal(status string) bool {
	return e.terminal[strings.ToLower(strings.TrimSpace(status))]
}

// Reconcile stages every record and commits the changeset. With force set,
// existing records are rewritten even when no watched field differs.
func (e *Engine) Reconcile(ctx context.Context, records []normalize.Record, force bool) (*Result, error) {
	res := &Result{}
	if len(records) == 0 {
		return res, nil
	}
	now := e.now().UTC()

	ids := make([]int64, 0, len(records))
	seen := make(map[int64]bool, len(records))
	for _, r := range records {
		if !seen[r.ExternalID] {
			seen[r.ExternalID] = true
			ids = append(ids, r.ExternalID)
		}
	}
	existing, err := e.store.FindByExternalIDs(ctx, ids)
	if err != nil {
		return nil, &PersistenceError{Op: "lookup", Err: err}
	}

	cs := &storage.Changeset{}
	// Later duplicates in the same batch compare against what is already staged.
	staged := make(map[int64]*storage.StoredRequest)

	for _, rec := range records {
		cur, isStaged := staged[rec.ExternalID]
		if !isStaged {
			cur = existing[rec.ExternalID]
		}

		if cur == nil {
			sr := fromRecord(rec)
			e.markClosed(sr, now)
			cs.Inserts = append(cs.Inserts, sr)
			staged[rec.ExternalID] = sr
			res.Inserted++
			continue
		}

		changed := watchedChanges(cur, rec)
		if len(changed) == 0 && !force {
			res.Skipped++
			continue
		}

		oldStatus := cur.Status
		next := cur
		if !isStaged {
			cp := *cur
			next = &cp
			cs.Updates = append(cs.Updates, next)
			staged[rec.ExternalID] = next
		}
		apply(next, rec)
		e.markClosed(next, now)

		u := storage.StatusUpdate{
			ExternalID: rec.ExternalID,
			OldStatus:  oldStatus,
			NewStatus:  next.Status,
			Actor:      storage.ActorSystem,
			Visible:    true,
			CreatedAt:  now,
		}
		if len(changed) == 0 {
			u.Message = "Forced resync"
			u.Visible = false
		} else {
			u.Message = changeMessage(oldStatus, next.Status, changed)
		}
		cs.Audit = append(cs.Audit, u)
		res.Updated++
	}

	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, &PersistenceError{Op: "commit", Err: err}
	}
	res.Audit = cs.Audit
	return res, nil
}

func (e *Engine) markClosed(r *storage.StoredRequest, now time.Time) {
	if r.ClosedAt == nil && e.IsTerminal(r.Status) {
		t := now
		r.ClosedAt = &t
	}
}

// watchedChanges lists the watched fields that differ, in a fixed order.
func watchedChanges(cur *storage.StoredRequest, rec normalize.Record) []string {
	var out []string
	if cur.Status != rec.Status {
		out = append(out, "status")
	}
	if cur.Description != rec.Description {
		out = append(out, "description")
	}
	if cur.Address != rec.Address {
		out = append(out, "address")
	}
	if cur.SubmitTo != rec.SubmitTo {
		out = append(out, "submit_to")
	}
	return out
}

func changeMessage(oldStatus, newStatus string, changed []string) string {
	if oldStatus != newStatus {
		return fmt.Sprintf("Status changed from %q to %q", oldStatus, newStatus)
	}
	return "Updated " + strings.Join(changed, ", ")
}

func fromRecord(rec normalize.Record) *storage.StoredRequest {
	sr := &storage.StoredRequest{ExternalID: rec.ExternalID, Source: storage.SourceAPI}
	apply(sr, rec)
	return sr
}

// apply copies source-owned fields onto r. A missing ClosedAt never clears
// one already recorded.
func apply(r *storage.StoredRequest, rec normalize.Record) {
	r.Description = rec.Description
	r.Status = rec.Status
	r.ProblemCode = rec.ProblemCode
	r.SubmitTo = rec.SubmitTo
	r.Address = rec.Address
	r.City = rec.City
	r.Zip = rec.Zip
	r.AddressType = rec.AddressType
	r.Neighborhood = rec.Neighborhood
	r.Ward = rec.Ward
	r.CallerType = rec.CallerType
	r.Explanation = rec.Explanation
	r.GroupName = rec.GroupName
	r.Location = rec.Location
	r.InitiatedAt = rec.InitiatedAt
	r.CompletedAt = rec.CompletedAt
	if rec.ClosedAt != nil {
		r.ClosedAt = rec.ClosedAt
	}
}
