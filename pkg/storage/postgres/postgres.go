// Package postgres is the PostGIS-backed store. Geometry lives in a
// geometry(Point, 3857) column so GeoServer can publish the table directly.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/storage"
)

// Text columns take the full 255 runes the normalizer keeps; the ALTERs widen
// tables created by older releases.
const schema = `
CREATE EXTENSION IF NOT EXISTS postgis;
CREATE TABLE IF NOT EXISTS service_requests (
  id            BIGSERIAL PRIMARY KEY,
  external_id   BIGINT NOT NULL UNIQUE,
  source        TEXT NOT NULL DEFAULT 'api' CHECK (source IN ('api','citizen')),
  description   TEXT NOT NULL DEFAULT '',
  status        VARCHAR(255) NOT NULL DEFAULT 'New',
  problem_code  VARCHAR(255),
  submit_to     VARCHAR(255),
  address       VARCHAR(255),
  city          VARCHAR(255),
  zip           INTEGER,
  address_type  VARCHAR(255),
  neighborhood  VARCHAR(255),
  ward          INTEGER,
  caller_type   VARCHAR(255),
  explanation   TEXT,
  group_name    VARCHAR(255),
  category      VARCHAR(255),
  priority      VARCHAR(255),
  citizen_name  VARCHAR(255),
  citizen_email VARCHAR(255),
  citizen_phone VARCHAR(255),
  geom          geometry(Point, 3857) NOT NULL,
  initiated_at  TIMESTAMPTZ,
  closed_at     TIMESTAMPTZ,
  completed_at  TIMESTAMPTZ,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON service_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_initiated ON service_requests(initiated_at);
CREATE INDEX IF NOT EXISTS idx_requests_geom ON service_requests USING GIST (geom);
CREATE TABLE IF NOT EXISTS status_updates (
  id          BIGSERIAL PRIMARY KEY,
  request_id  BIGINT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
  old_status  VARCHAR(255),
  new_status  VARCHAR(255) NOT NULL,
  message     TEXT NOT NULL,
  actor       VARCHAR(255) NOT NULL,
  visible     BOOLEAN NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_updates_request ON status_updates(request_id, created_at);
ALTER TABLE service_requests
  ALTER COLUMN status TYPE VARCHAR(255),
  ALTER COLUMN city TYPE VARCHAR(255),
  ALTER COLUMN address_type TYPE VARCHAR(255),
  ALTER COLUMN category TYPE VARCHAR(255),
  ALTER COLUMN priority TYPE VARCHAR(255),
  ALTER COLUMN citizen_name TYPE VARCHAR(255),
  ALTER COLUMN citizen_email TYPE VARCHAR(255),
  ALTER COLUMN citizen_phone TYPE VARCHAR(255);
ALTER TABLE status_updates
  ALTER COLUMN old_status TYPE VARCHAR(255),
  ALTER COLUMN new_status TYPE VARCHAR(255),
  ALTER COLUMN actor TYPE VARCHAR(255);
`

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects and makes sure the schema exists.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const requestColumns = `id, external_id, source, description, status, COALESCE(problem_code,''), COALESCE(submit_to,''),
  COALESCE(address,''), COALESCE(city,''), zip, COALESCE(address_type,''), COALESCE(neighborhood,''), ward,
  COALESCE(caller_type,''), COALESCE(explanation,''), COALESCE(group_name,''), COALESCE(category,''), COALESCE(priority,''),
  COALESCE(citizen_name,''), COALESCE(citizen_email,''), COALESCE(citizen_phone,''), ST_X(geom), ST_Y(geom),
  initiated_at, closed_at, completed_at, created_at, updated_at`

func scanRequest(row pgx.Row) (*storage.StoredRequest, error) {
	var r storage.StoredRequest
	err := row.Scan(&r.ID, &r.ExternalID, &r.Source, &r.Description, &r.Status, &r.ProblemCode, &r.SubmitTo,
		&r.Address, &r.City, &r.Zip, &r.AddressType, &r.Neighborhood, &r.Ward,
		&r.CallerType, &r.Explanation, &r.GroupName, &r.Category, &r.Priority,
		&r.CitizenName, &r.CitizenEmail, &r.CitizenPhone, &r.Location.X, &r.Location.Y,
		&r.InitiatedAt, &r.ClosedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collect(rows pgx.Rows) ([]storage.StoredRequest, error) {
	defer rows.Close()
	out := []storage.StoredRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) FindByExternalIDs(ctx context.Context, ids []int64) (map[int64]*storage.StoredRequest, error) {
	out := make(map[int64]*storage.StoredRequest, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, "SELECT "+requestColumns+" FROM service_requests WHERE external_id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	list, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for i := range list {
		out[list[i].ExternalID] = &list[i]
	}
	return out, nil
}

const insertSQL = `INSERT INTO service_requests(external_id, source, description, status, problem_code, submit_to,
  address, city, zip, address_type, neighborhood, ward, caller_type, explanation, group_name, category, priority,
  citizen_name, citizen_email, citizen_phone, geom, initiated_at, closed_at, completed_at, created_at, updated_at)
  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
  ST_SetSRID(ST_MakePoint($21,$22), 3857),$23,$24,$25,$26,$26)
  RETURNING id`

const updateSQL = `UPDATE service_requests SET description = $2, status = $3, problem_code = $4, submit_to = $5,
  address = $6, city = $7, zip = $8, address_type = $9, neighborhood = $10, ward = $11, caller_type = $12,
  explanation = $13, group_name = $14, geom = ST_SetSRID(ST_MakePoint($15,$16), 3857),
  initiated_at = $17, closed_at = $18, completed_at = $19, updated_at = $20
  WHERE external_id = $1`

const auditSQL = `INSERT INTO status_updates(request_id, old_status, new_status, message, actor, visible, created_at)
  SELECT id, $2::varchar, $3::varchar, $4::text, $5::varchar, $6::boolean, $7::timestamptz FROM service_requests WHERE external_id = $1
  RETURNING id`

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func queueInsert(b *pgx.Batch, r *storage.StoredRequest, now time.Time) {
	b.Queue(insertSQL, r.ExternalID, r.Source, r.Description, r.Status, nullIfEmpty(r.ProblemCode), nullIfEmpty(r.SubmitTo),
		nullIfEmpty(r.Address), nullIfEmpty(r.City), r.Zip, nullIfEmpty(r.AddressType), nullIfEmpty(r.Neighborhood), r.Ward,
		nullIfEmpty(r.CallerType), nullIfEmpty(r.Explanation), nullIfEmpty(r.GroupName), nullIfEmpty(r.Category), nullIfEmpty(r.Priority),
		nullIfEmpty(r.CitizenName), nullIfEmpty(r.CitizenEmail), nullIfEmpty(r.CitizenPhone), r.Location.X, r.Location.Y,
		r.InitiatedAt, r.ClosedAt, r.CompletedAt, now)
}

// Commit sends the changeset as one batch inside a transaction.
func (s *Store) Commit(ctx context.Context, cs *storage.Changeset) (err error) {
	if cs.Empty() {
		return nil
	}
	now := s.now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	b := &pgx.Batch{}
	for _, r := range cs.Inserts {
		if r.Source == "" {
			r.Source = storage.SourceAPI
		}
		if r.Status == "" {
			r.Status = "New"
		}
		queueInsert(b, r, now)
	}
	for _, r := range cs.Updates {
		b.Queue(updateSQL, r.ExternalID, r.Description, r.Status, nullIfEmpty(r.ProblemCode), nullIfEmpty(r.SubmitTo),
			nullIfEmpty(r.Address), nullIfEmpty(r.City), r.Zip, nullIfEmpty(r.AddressType), nullIfEmpty(r.Neighborhood), r.Ward,
			nullIfEmpty(r.CallerType), nullIfEmpty(r.Explanation), nullIfEmpty(r.GroupName), r.Location.X, r.Location.Y,
			r.InitiatedAt, r.ClosedAt, r.CompletedAt, now)
	}
	for i := range cs.Audit {
		u := &cs.Audit[i]
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		b.Queue(auditSQL, u.ExternalID, nullIfEmpty(u.OldStatus), u.NewStatus, u.Message, u.Actor, u.Visible, u.CreatedAt)
	}

	br := tx.SendBatch(ctx, b)
	if err = readBatch(br, cs, now); err != nil {
		_ = br.Close()
		return err
	}
	if err = br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func readBatch(br pgx.BatchResults, cs *storage.Changeset, now time.Time) error {
	for _, r := range cs.Inserts {
		if err := br.QueryRow().Scan(&r.ID); err != nil {
			return fmt.Errorf("insert %d: %w", r.ExternalID, err)
		}
		r.CreatedAt, r.UpdatedAt = now, now
	}
	for _, r := range cs.Updates {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("update %d: %w", r.ExternalID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update %d: %w", r.ExternalID, storage.ErrNotFound)
		}
		r.UpdatedAt = now
	}
	for i := range cs.Audit {
		u := &cs.Audit[i]
		if err := br.QueryRow().Scan(&u.ID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = storage.ErrNotFound
			}
			return fmt.Errorf("status update for %d: %w", u.ExternalID, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, externalID int64) (*storage.StoredRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, "SELECT "+requestColumns+" FROM service_requests WHERE external_id = $1", externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return r, err
}

func (s *Store) Query(ctx context.Context, f storage.Filter) ([]storage.StoredRequest, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "lower(status) = lower("+arg(f.Status)+")")
	}
	if f.Source != "" {
		where = append(where, "source = "+arg(f.Source))
	}
	if !f.Start.IsZero() {
		where = append(where, "initiated_at >= "+arg(f.Start))
	}
	if !f.End.IsZero() {
		where = append(where, "initiated_at < "+arg(f.End))
	}
	if f.BBox != nil {
		where = append(where, fmt.Sprintf("geom && ST_MakeEnvelope(%s, %s, %s, %s, %d)",
			arg(f.BBox.MinX), arg(f.BBox.MinY), arg(f.BBox.MaxX), arg(f.BBox.MaxY), geo.SRID))
	}
	q := "SELECT " + requestColumns + " FROM service_requests"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	q += " ORDER BY initiated_at DESC NULLS LAST, external_id DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *Store) listUpdates(ctx context.Context, tail string, args ...interface{}) ([]storage.StatusUpdate, error) {
	rows, err := s.pool.Query(ctx, `SELECT u.id, r.external_id, COALESCE(u.old_status,''), u.new_status, u.message, u.actor, u.visible, u.created_at
  FROM status_updates u JOIN service_requests r ON r.id = u.request_id `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []storage.StatusUpdate{}
	for rows.Next() {
		var u storage.StatusUpdate
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.OldStatus, &u.NewStatus, &u.Message, &u.Actor, &u.Visible, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) ListStatusUpdates(ctx context.Context, externalID int64) ([]storage.StatusUpdate, error) {
	return s.listUpdates(ctx, "WHERE r.external_id = $1 ORDER BY u.created_at, u.id", externalID)
}

func (s *Store) ListRecentUpdates(ctx context.Context, limit int) ([]storage.StatusUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listUpdates(ctx, "ORDER BY u.created_at DESC, u.id DESC LIMIT $1", limit)
}

func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{BySource: map[string]int{}, ByStatus: map[string]int{}}
	rows, err := s.pool.Query(ctx, "SELECT source, lower(status), COUNT(*) FROM service_requests GROUP BY 1, 2")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var src, status string
		var n int
		if err := rows.Scan(&src, &status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.Total += n
		st.BySource[src] += n
		st.ByStatus[status] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*), (SELECT MAX(updated_at) FROM service_requests) FROM status_updates").Scan(&st.StatusUpdates, &st.LastUpdated); err != nil {
		return nil, err
	}
	return st, nil
}

// InsertCitizenRequest mirrors the SQLite store: skip taken ids, give up
// with storage.ErrIDSpaceExhausted after maxAttempts.
func (s *Store) InsertCitizenRequest(ctx context.Context, req *storage.StoredRequest, ids storage.IDGenerator, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	req.Source = storage.SourceCitizen
	if req.Status == "" {
		req.Status = "New"
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := s.tryInsertCitizen(ctx, req, ids.NextID())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", storage.ErrIDSpaceExhausted, maxAttempts)
}

func (s *Store) tryInsertCitizen(ctx context.Context, req *storage.StoredRequest, externalID int64) (bool, error) {
	now := s.now().UTC()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taken bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM service_requests WHERE external_id = $1)", externalID).Scan(&taken); err != nil {
		return false, err
	}
	if taken {
		return false, nil
	}
	req.ExternalID = externalID
	if req.InitiatedAt == nil {
		req.InitiatedAt = &now
	}
	cs := &storage.Changeset{
		Inserts: []*storage.StoredRequest{req},
		Audit: []storage.StatusUpdate{{
			ExternalID: externalID, NewStatus: req.Status, Message: "Request submitted",
			Actor: storage.ActorCitizen, Visible: true, CreatedAt: now,
		}},
	}
	b := &pgx.Batch{}
	queueInsert(b, req, now)
	u := cs.Audit[0]
	b.Queue(auditSQL, u.ExternalID, nil, u.NewStatus, u.Message, u.Actor, u.Visible, u.CreatedAt)
	br := tx.SendBatch(ctx, b)
	if err := readBatch(br, cs, now); err != nil {
		_ = br.Close()
		return false, err
	}
	if err := br.Close(); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PruneInternalUpdates(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM status_updates WHERE visible = false AND actor = $1 AND created_at < $2", storage.ActorSystem, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Optimize refreshes planner statistics.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "ANALYZE service_requests; ANALYZE status_updates")
	return err
}
