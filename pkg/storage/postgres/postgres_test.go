package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/storage"
)

// Needs a PostGIS database; set STL311_TEST_POSTGRES_DSN to run.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STL311_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STL311_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE service_requests, status_updates RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRequest(id int64, status string) *storage.StoredRequest {
	initiated := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Hour)
	return &storage.StoredRequest{
		ExternalID:  id,
		Description: "Pothole",
		Status:      status,
		Address:     "1200 MARKET ST",
		Location:    geo.Point{X: -10040000 + float64(id), Y: 4650000},
		InitiatedAt: &initiated,
	}
}

func TestCommitQueryAndAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Commit(ctx, &storage.Changeset{Inserts: []*storage.StoredRequest{newRequest(1, "New"), newRequest(2, "Open")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	upd := newRequest(1, "Closed")
	err := s.Commit(ctx, &storage.Changeset{
		Updates: []*storage.StoredRequest{upd},
		Audit:   []storage.StatusUpdate{{ExternalID: 1, OldStatus: "New", NewStatus: "Closed", Message: "Status changed", Actor: storage.ActorSystem, Visible: true}},
	})
	if err != nil {
		t.Fatalf("Commit update: %v", err)
	}

	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "Closed" || got.Source != storage.SourceAPI || got.Location.X != -10039999 {
		t.Fatalf("unexpected row: %+v", got)
	}
	ups, err := s.ListStatusUpdates(ctx, 1)
	if err != nil || len(ups) != 1 {
		t.Fatalf("ListStatusUpdates: %+v (%v)", ups, err)
	}

	box := geo.BBox{MinX: -10040000, MaxX: -10039998.5, MinY: 4640000, MaxY: 4660000}
	rows, err := s.Query(ctx, storage.Filter{BBox: &box})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0].ExternalID != 1 {
		t.Fatalf("bbox query: %+v", rows)
	}

	if _, err := s.Get(ctx, 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var inserts []*storage.StoredRequest
	for i := int64(1); i <= 50; i++ {
		id := i
		if i == 30 {
			id = 10
		}
		inserts = append(inserts, newRequest(id, "New"))
	}
	if err := s.Commit(ctx, &storage.Changeset{Inserts: inserts}); err == nil {
		t.Fatalf("expected unique violation")
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 0 {
		t.Fatalf("expected empty table, got %d", st.Total)
	}
}

type seqIDs struct{ ids []int64 }

func (s *seqIDs) NextID() int64 {
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id
}

func TestInsertCitizenRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Commit(ctx, &storage.Changeset{Inserts: []*storage.StoredRequest{newRequest(100, "New")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	req := &storage.StoredRequest{Description: "Graffiti", Location: geo.Point{X: -10040000, Y: 4650000}}
	if err := s.InsertCitizenRequest(ctx, req, &seqIDs{ids: []int64{100, 101}}, 3); err != nil {
		t.Fatalf("InsertCitizenRequest: %v", err)
	}
	if req.ExternalID != 101 {
		t.Fatalf("expected id 101, got %d", req.ExternalID)
	}
	err := s.InsertCitizenRequest(ctx, &storage.StoredRequest{}, &seqIDs{ids: []int64{100}}, 1)
	if !errors.Is(err, storage.ErrIDSpaceExhausted) {
		t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestCommitKeepsFullWidthFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 255)
	r := newRequest(7, long)
	r.City, r.AddressType, r.Category, r.Priority, r.CitizenPhone = long, long, long, long, long
	if err := s.Commit(ctx, &storage.Changeset{Inserts: []*storage.StoredRequest{r}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	err := s.Commit(ctx, &storage.Changeset{
		Updates: []*storage.StoredRequest{newRequest(7, "Closed")},
		Audit:   []storage.StatusUpdate{{ExternalID: 7, OldStatus: long, NewStatus: "Closed", Message: "Status changed", Actor: storage.ActorSystem, Visible: true}},
	})
	if err != nil {
		t.Fatalf("Commit update: %v", err)
	}
	ups, err := s.ListStatusUpdates(ctx, 7)
	if err != nil || len(ups) != 1 || ups[0].OldStatus != long {
		t.Fatalf("ListStatusUpdates: %+v (%v)", ups, err)
	}
}
