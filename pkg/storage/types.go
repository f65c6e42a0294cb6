package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stl311/stl311sync/pkg/geo"
)

const (
	SourceAPI     = "api"
	SourceCitizen = "citizen"

	ActorSystem  = "system"
	ActorCitizen = "citizen"
)

var (
	ErrNotFound         = errors.New("service request not found")
	ErrIDSpaceExhausted = errors.New("could not allocate a unique external id")
)

// StoredRequest is one persisted service request, unique by ExternalID.
type StoredRequest struct {
	ID         int64  `json:"id"`
	ExternalID int64  `json:"external_id"`
	Source     string `json:"source"`

	Description  string `json:"description"`
	Status       string `json:"status"`
	ProblemCode  string `json:"problem_code,omitempty"`
	SubmitTo     string `json:"submit_to,omitempty"`
	Address      string `json:"address,omitempty"`
	City         string `json:"city,omitempty"`
	Zip          *int   `json:"zip,omitempty"`
	AddressType  string `json:"address_type,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	Ward         *int   `json:"ward,omitempty"`
	CallerType   string `json:"caller_type,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
	GroupName    string `json:"group_name,omitempty"`

	// Citizen submissions only.
	Category     string `json:"category,omitempty"`
	Priority     string `json:"priority,omitempty"`
	CitizenName  string `json:"citizen_name,omitempty"`
	CitizenEmail string `json:"citizen_email,omitempty"`
	CitizenPhone string `json:"citizen_phone,omitempty"`

	Location geo.Point `json:"location"`

	InitiatedAt *time.Time `json:"initiated_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StatusUpdate is an audit entry attached to a request.
type StatusUpdate struct {
	ID         int64     `json:"id"`
	ExternalID int64     `json:"external_id"`
	OldStatus  string    `json:"old_status"`
	NewStatus  string    `json:"new_status"`
	Message    string    `json:"message"`
	Actor      string    `json:"actor"`
	Visible    bool      `json:"visible"`
	CreatedAt  time.Time `json:"created_at"`
}

// Changeset is everything one reconciliation pass wants written. It is
// committed as a single transaction: inserts, then updates, then audit rows.
type Changeset struct {
	Inserts []*StoredRequest
	Updates []*StoredRequest
	Audit   []StatusUpdate
}

// Empty reports whether there is nothing to write.
func (c *Changeset) Empty() bool {
	return c == nil || (len(c.Inserts) == 0 && len(c.Updates) == 0 && len(c.Audit) == 0)
}

// Filter selects requests for Query. Zero fields are ignored.
type Filter struct {
	Status string
	Source string
	Start  time.Time // initiated_at >= Start
	End    time.Time // initiated_at < End
	BBox   *geo.BBox
	Limit  int
	Offset int
}

// Stats summarizes the store contents.
type Stats struct {
	Total         int            `json:"total"`
	BySource      map[string]int `json:"by_source"`
	ByStatus      map[string]int `json:"by_status"`
	StatusUpdates int            `json:"status_updates"`
	LastUpdated   *time.Time     `json:"last_updated,omitempty"`
}

// IDGenerator hands out candidate external ids for citizen submissions.
type IDGenerator interface {
	NextID() int64
}

// Store is implemented by the SQLite and PostGIS backends.
type Store interface {
	FindByExternalIDs(ctx context.Context, ids []int64) (map[int64]*StoredRequest, error)
	Commit(ctx context.Context, cs *Changeset) error
	Get(ctx context.Context, externalID int64) (*StoredRequest, error)
	Query(ctx context.Context, f Filter) ([]StoredRequest, error)
	ListStatusUpdates(ctx context.Context, externalID int64) ([]StatusUpdate, error)
	ListRecentUpdates(ctx context.Context, limit int) ([]StatusUpdate, error)
	Stats(ctx context.Context) (*Stats, error)
	InsertCitizenRequest(ctx context.Context, req *StoredRequest, ids IDGenerator, maxAttempts int) error
	PruneInternalUpdates(ctx context.Context, before time.Time) (int64, error)
	Optimize(ctx context.Context) error
	Close() error
}
