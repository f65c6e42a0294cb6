package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stl311/stl311sync/pkg/geo"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newRequest(id int64, status string) *StoredRequest {
	initiated := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Hour)
	zip := 63103
	return &StoredRequest{
		ExternalID:  id,
		Source:      SourceAPI,
		Description: "Pothole",
		Status:      status,
		Address:     "1200 MARKET ST",
		Zip:         &zip,
		Location:    geo.Point{X: -10040000 + float64(id), Y: 4650000},
		InitiatedAt: &initiated,
	}
}

func TestCommitAndGet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cs := &Changeset{Inserts: []*StoredRequest{newRequest(1, "New"), newRequest(2, "New")}}
	if err := db.Commit(ctx, cs); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if cs.Inserts[0].ID == 0 || cs.Inserts[0].CreatedAt.IsZero() {
		t.Fatalf("insert did not populate id/timestamps: %+v", cs.Inserts[0])
	}

	got, err := db.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "New" || got.Zip == nil || *got.Zip != 63103 || got.Ward != nil {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.Location != (geo.Point{X: -10039999, Y: 4650000}) {
		t.Fatalf("location: %+v", got.Location)
	}
	if got.InitiatedAt == nil || !got.InitiatedAt.Equal(*cs.Inserts[0].InitiatedAt) {
		t.Fatalf("initiated_at round trip: %v", got.InitiatedAt)
	}

	if _, err := db.Get(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitUpdateWithAudit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Commit(ctx, &Changeset{Inserts: []*StoredRequest{newRequest(5, "New")}}); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}
	closed := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	upd := newRequest(5, "Closed")
	upd.ClosedAt = &closed
	cs := &Changeset{
		Updates: []*StoredRequest{upd},
		Audit:   []StatusUpdate{{ExternalID: 5, OldStatus: "New", NewStatus: "Closed", Message: "Status changed", Actor: ActorSystem, Visible: true}},
	}
	if err := db.Commit(ctx, cs); err != nil {
		t.Fatalf("Commit update: %v", err)
	}

	got, err := db.Get(ctx, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "Closed" || got.ClosedAt == nil || !got.ClosedAt.Equal(closed) {
		t.Fatalf("update not applied: %+v", got)
	}
	ups, err := db.ListStatusUpdates(ctx, 5)
	if err != nil {
		t.Fatalf("ListStatusUpdates: %v", err)
	}
	if len(ups) != 1 || ups[0].OldStatus != "New" || ups[0].NewStatus != "Closed" || !ups[0].Visible || ups[0].Actor != ActorSystem {
		t.Fatalf("unexpected updates: %+v", ups)
	}
}

func TestCommitRollsBackWholeBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var inserts []*StoredRequest
	for i := int64(1); i <= 50; i++ {
		id := i
		if i == 30 {
			id = 10 // duplicate external id violates the unique constraint
		}
		inserts = append(inserts, newRequest(id, "New"))
	}
	if err := db.Commit(ctx, &Changeset{Inserts: inserts}); err == nil {
		t.Fatalf("expected constraint failure")
	}

	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 0 {
		t.Fatalf("expected nothing persisted, got %d rows", st.Total)
	}
}

func TestCommitUpdateMissingRowFails(t *testing.T) {
	db := openTestDB(t)
	err := db.Commit(context.Background(), &Changeset{Updates: []*StoredRequest{newRequest(77, "Closed")}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByExternalIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var inserts []*StoredRequest
	var ids []int64
	for i := int64(1); i <= 1200; i++ {
		inserts = append(inserts, newRequest(i, "New"))
		ids = append(ids, i)
	}
	if err := db.Commit(ctx, &Changeset{Inserts: inserts}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	found, err := db.FindByExternalIDs(ctx, append(ids, 5000))
	if err != nil {
		t.Fatalf("FindByExternalIDs: %v", err)
	}
	if len(found) != 1200 || found[5000] != nil || found[777].ExternalID != 777 {
		t.Fatalf("unexpected lookup result: %d rows", len(found))
	}
}

func TestFindByExternalIDsCancelled(t *testing.T) {
	db := openTestDB(t)
	if err := db.Commit(context.Background(), &Changeset{Inserts: []*StoredRequest{newRequest(1, "New")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	found, err := db.FindByExternalIDs(ctx, []int64{1})
	if !errors.Is(err, context.Canceled) || found != nil {
		t.Fatalf("expected context.Canceled and no partial map, got %v (%d rows)", err, len(found))
	}
}

func TestQueryFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a, b, c := newRequest(1, "Open"), newRequest(2, "Closed"), newRequest(3, "open")
	c.Location = geo.Point{X: -10050000, Y: 4690000}
	if err := db.Commit(ctx, &Changeset{Inserts: []*StoredRequest{a, b, c}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := db.Query(ctx, Filter{Status: "OPEN"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].ExternalID != 3 || got[1].ExternalID != 1 {
		t.Fatalf("status filter/order wrong: %+v", got)
	}

	box := geo.BBox{MinX: -10041000, MaxX: -10039000, MinY: 4640000, MaxY: 4660000}
	got, err = db.Query(ctx, Filter{BBox: &box})
	if err != nil {
		t.Fatalf("Query bbox: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bbox filter: got %d rows", len(got))
	}

	got, err = db.Query(ctx, Filter{Start: *b.InitiatedAt, End: b.InitiatedAt.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Query range: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != 2 {
		t.Fatalf("date range filter wrong: %+v", got)
	}

	got, err = db.Query(ctx, Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Query page: %v", err)
	}
	if len(got) != 1 || got[0].ExternalID != 2 {
		t.Fatalf("limit/offset wrong: %+v", got)
	}
}

type seqIDs struct{ ids []int64 }

func (s *seqIDs) NextID() int64 {
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id
}

func TestInsertCitizenRequestRetriesCollisions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Commit(ctx, &Changeset{Inserts: []*StoredRequest{newRequest(100, "New"), newRequest(101, "New")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	req := &StoredRequest{Description: "Streetlight out", Category: "street", Location: geo.Point{X: -10040000, Y: 4650000}}
	if err := db.InsertCitizenRequest(ctx, req, &seqIDs{ids: []int64{100, 101, 102}}, 5); err != nil {
		t.Fatalf("InsertCitizenRequest: %v", err)
	}
	if req.ExternalID != 102 || req.Source != SourceCitizen {
		t.Fatalf("unexpected request: %+v", req)
	}
	ups, err := db.ListStatusUpdates(ctx, 102)
	if err != nil || len(ups) != 1 || ups[0].Actor != ActorCitizen {
		t.Fatalf("expected submission update, got %+v (%v)", ups, err)
	}

	err = db.InsertCitizenRequest(ctx, &StoredRequest{Location: req.Location}, &seqIDs{ids: []int64{100, 101}}, 2)
	if !errors.Is(err, ErrIDSpaceExhausted) {
		t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestPruneInternalUpdates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -60)

	cs := &Changeset{
		Inserts: []*StoredRequest{newRequest(1, "New")},
		Audit: []StatusUpdate{
			{ExternalID: 1, NewStatus: "New", Message: "Forced resync", Actor: ActorSystem, Visible: false, CreatedAt: old},
			{ExternalID: 1, NewStatus: "New", Message: "Forced resync", Actor: ActorSystem, Visible: false},
			{ExternalID: 1, NewStatus: "New", Message: "Status changed", Actor: ActorSystem, Visible: true, CreatedAt: old},
		},
	}
	if err := db.Commit(ctx, cs); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	n, err := db.PruneInternalUpdates(ctx, time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("PruneInternalUpdates: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
	if err := db.Optimize(ctx); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	recent, err := db.ListRecentUpdates(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentUpdates: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 remaining updates, got %d", len(recent))
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Commit(ctx, &Changeset{Inserts: []*StoredRequest{newRequest(1, "Open"), newRequest(2, "open"), newRequest(3, "Closed")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 || st.BySource[SourceAPI] != 3 || st.ByStatus["open"] != 2 || st.ByStatus["closed"] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.LastUpdated == nil {
		t.Fatalf("expected last updated time")
	}
}
