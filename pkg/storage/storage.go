// Package storage persists service requests and their status history.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
	now func() time.Time
}

var _ Store = (*DB)(nil)

func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	// Ensure schema exists for convenience.
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS service_requests (
  id            INTEGER PRIMARY KEY,
  external_id   INTEGER NOT NULL UNIQUE,
  source        TEXT NOT NULL DEFAULT 'api' CHECK (source IN ('api','citizen')),
  description   TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL DEFAULT 'New',
  problem_code  TEXT,
  submit_to     TEXT,
  address       TEXT,
  city          TEXT,
  zip           INTEGER,
  address_type  TEXT,
  neighborhood  TEXT,
  ward          INTEGER,
  caller_type   TEXT,
  explanation   TEXT,
  group_name    TEXT,
  category      TEXT,
  priority      TEXT,
  citizen_name  TEXT,
  citizen_email TEXT,
  citizen_phone TEXT,
  x             REAL NOT NULL,
  y             REAL NOT NULL,
  initiated_at  TEXT,
  closed_at     TEXT,
  completed_at  TEXT,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_status ON service_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_initiated ON service_requests(initiated_at);
CREATE INDEX IF NOT EXISTS idx_requests_source ON service_requests(source);
CREATE INDEX IF NOT EXISTS idx_requests_xy ON service_requests(x, y);
CREATE TABLE IF NOT EXISTS status_updates (
  id          INTEGER PRIMARY KEY,
  request_id  INTEGER NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
  old_status  TEXT,
  new_status  TEXT NOT NULL,
  message     TEXT NOT NULL,
  actor       TEXT NOT NULL,
  visible     INTEGER NOT NULL CHECK (visible IN (0,1)),
  created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_request ON status_updates(request_id, created_at);
CREATE INDEX IF NOT EXISTS idx_updates_time ON status_updates(created_at);
    `); err != nil {
		return nil, err
	}
	return &DB{sql: db, now: time.Now}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

const requestColumns = `id, external_id, source, description, status, problem_code, submit_to, address, city, zip,
  address_type, neighborhood, ward, caller_type, explanation, group_name, category, priority,
  citizen_name, citizen_email, citizen_phone, x, y, initiated_at, closed_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s rowScanner) (*StoredRequest, error) {
	var r StoredRequest
	var problemCode, submitTo, address, city, addrType sql.NullString
	var neighborhood, callerType, explanation, group sql.NullString
	var category, priority, cName, cEmail, cPhone sql.NullString
	var initiated, closed, completed sql.NullString
	var createdAt, updatedAt string
	var zip, ward sql.NullInt64
	if err := s.Scan(&r.ID, &r.ExternalID, &r.Source, &r.Description, &r.Status, &problemCode, &submitTo, &address, &city, &zip,
		&addrType, &neighborhood, &ward, &callerType, &explanation, &group, &category, &priority,
		&cName, &cEmail, &cPhone, &r.Location.X, &r.Location.Y, &initiated, &closed, &completed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.ProblemCode = problemCode.String
	r.SubmitTo = submitTo.String
	r.Address = address.String
	r.City = city.String
	r.Zip = scanInt(zip)
	r.AddressType = addrType.String
	r.Neighborhood = neighborhood.String
	r.Ward = scanInt(ward)
	r.CallerType = callerType.String
	r.Explanation = explanation.String
	r.GroupName = group.String
	r.Category = category.String
	r.Priority = priority.String
	r.CitizenName = cName.String
	r.CitizenEmail = cEmail.String
	r.CitizenPhone = cPhone.String
	r.InitiatedAt = scanTime(initiated)
	r.ClosedAt = scanTime(closed)
	r.CompletedAt = scanTime(completed)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// FindByExternalIDs loads the existing rows for ids. Missing ids are absent
// from the map.
func (d *DB) FindByExternalIDs(ctx context.Context, ids []int64) (map[int64]*StoredRequest, error) {
	out := make(map[int64]*StoredRequest, len(ids))
	for _, chunk := range chunkIDs(ids, maxParams) {
		if err := d.findChunk(ctx, chunk, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *DB) findChunk(ctx context.Context, chunk []int64, out map[int64]*StoredRequest) error {
	args := make([]interface{}, len(chunk))
	for i, id := range chunk {
		args[i] = id
	}
	rows, err := d.sql.QueryContext(ctx, "SELECT "+requestColumns+" FROM service_requests WHERE external_id IN ("+placeholders(len(chunk))+")", args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return err
		}
		out[r.ExternalID] = r
	}
	// An interrupted scan ends Next early; only Err tells it from a full read.
	return rows.Err()
}

// Commit writes a changeset in one transaction. Any failure rolls back the
// whole set.
func (d *DB) Commit(ctx context.Context, cs *Changeset) (err error) {
	if cs.Empty() {
		return nil
	}
	now := d.now().UTC()

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, r := range cs.Inserts {
		if err = insertRequest(ctx, tx, r, now); err != nil {
			return fmt.Errorf("insert %d: %w", r.ExternalID, err)
		}
	}

	for _, r := range cs.Updates {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `UPDATE service_requests SET description = ?, status = ?, problem_code = ?, submit_to = ?,
  address = ?, city = ?, zip = ?, address_type = ?, neighborhood = ?, ward = ?, caller_type = ?, explanation = ?,
  group_name = ?, x = ?, y = ?, initiated_at = ?, closed_at = ?, completed_at = ?, updated_at = ?
  WHERE external_id = ?`,
			r.Description, r.Status, nullIfEmpty(r.ProblemCode), nullIfEmpty(r.SubmitTo),
			nullIfEmpty(r.Address), nullIfEmpty(r.City), nullInt(r.Zip), nullIfEmpty(r.AddressType), nullIfEmpty(r.Neighborhood), nullInt(r.Ward),
			nullIfEmpty(r.CallerType), nullIfEmpty(r.Explanation), nullIfEmpty(r.GroupName), r.Location.X, r.Location.Y,
			nullTime(r.InitiatedAt), nullTime(r.ClosedAt), nullTime(r.CompletedAt), formatTime(now), r.ExternalID)
		if err != nil {
			return fmt.Errorf("update %d: %w", r.ExternalID, err)
		}
		var n int64
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		if n == 0 {
			err = fmt.Errorf("update %d: %w", r.ExternalID, ErrNotFound)
			return err
		}
		r.UpdatedAt = now
	}

	for i := range cs.Audit {
		u := &cs.Audit[i]
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		if err = insertUpdate(ctx, tx, u); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertRequest(ctx context.Context, tx *sql.Tx, r *StoredRequest, now time.Time) error {
	if r.Source == "" {
		r.Source = SourceAPI
	}
	if r.Status == "" {
		r.Status = "New"
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO service_requests(external_id, source, description, status, problem_code, submit_to,
  address, city, zip, address_type, neighborhood, ward, caller_type, explanation, group_name, category, priority,
  citizen_name, citizen_email, citizen_phone, x, y, initiated_at, closed_at, completed_at, created_at, updated_at)
  VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ExternalID, r.Source, r.Description, r.Status, nullIfEmpty(r.ProblemCode), nullIfEmpty(r.SubmitTo),
		nullIfEmpty(r.Address), nullIfEmpty(r.City), nullInt(r.Zip), nullIfEmpty(r.AddressType), nullIfEmpty(r.Neighborhood), nullInt(r.Ward),
		nullIfEmpty(r.CallerType), nullIfEmpty(r.Explanation), nullIfEmpty(r.GroupName), nullIfEmpty(r.Category), nullIfEmpty(r.Priority),
		nullIfEmpty(r.CitizenName), nullIfEmpty(r.CitizenEmail), nullIfEmpty(r.CitizenPhone), r.Location.X, r.Location.Y,
		nullTime(r.InitiatedAt), nullTime(r.ClosedAt), nullTime(r.CompletedAt), formatTime(now), formatTime(now))
	if err != nil {
		return err
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

func insertUpdate(ctx context.Context, tx *sql.Tx, u *StatusUpdate) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO status_updates(request_id, old_status, new_status, message, actor, visible, created_at)
  SELECT id, ?, ?, ?, ?, ?, ? FROM service_requests WHERE external_id = ?`,
		nullIfEmpty(u.OldStatus), u.NewStatus, u.Message, u.Actor, boolToInt(u.Visible), formatTime(u.CreatedAt), u.ExternalID)
	if err != nil {
		return fmt.Errorf("status update for %d: %w", u.ExternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("status update for %d: %w", u.ExternalID, ErrNotFound)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (d *DB) Get(ctx context.Context, externalID int64) (*StoredRequest, error) {
	row := d.sql.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM service_requests WHERE external_id = ?", externalID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Query returns requests matching f, newest first.
func (d *DB) Query(ctx context.Context, f Filter) ([]StoredRequest, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		where += " AND lower(status) = lower(?)"
		args = append(args, f.Status)
	}
	if f.Source != "" {
		where += " AND source = ?"
		args = append(args, f.Source)
	}
	if !f.Start.IsZero() {
		where += " AND initiated_at >= ?"
		args = append(args, formatTime(f.Start))
	}
	if !f.End.IsZero() {
		where += " AND initiated_at < ?"
		args = append(args, formatTime(f.End))
	}
	if f.BBox != nil {
		where += " AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?"
		args = append(args, f.BBox.MinX, f.BBox.MaxX, f.BBox.MinY, f.BBox.MaxY)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, f.Offset)

	q := "SELECT " + requestColumns + " FROM service_requests " + where + " ORDER BY initiated_at IS NULL, initiated_at DESC, external_id DESC LIMIT ? OFFSET ?"
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StoredRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListStatusUpdates returns the history of one request, oldest first.
func (d *DB) ListStatusUpdates(ctx context.Context, externalID int64) ([]StatusUpdate, error) {
	return d.listUpdates(ctx, "WHERE r.external_id = ? ORDER BY u.created_at, u.id", externalID)
}

// ListRecentUpdates returns the most recent N updates across all requests.
func (d *DB) ListRecentUpdates(ctx context.Context, limit int) ([]StatusUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.listUpdates(ctx, "ORDER BY u.created_at DESC, u.id DESC LIMIT ?", limit)
}

func (d *DB) listUpdates(ctx context.Context, tail string, args ...interface{}) ([]StatusUpdate, error) {
	q := `SELECT u.id, r.external_id, u.old_status, u.new_status, u.message, u.actor, u.visible, u.created_at
  FROM status_updates u JOIN service_requests r ON r.id = u.request_id ` + tail
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updates := []StatusUpdate{}
	for rows.Next() {
		var (
			u         StatusUpdate
			oldStatus sql.NullString
			visible   int
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.ExternalID, &oldStatus, &u.NewStatus, &u.Message, &u.Actor, &visible, &createdAt); err != nil {
			return nil, err
		}
		u.OldStatus = oldStatus.String
		u.Visible = visible == 1
		u.CreatedAt = parseTime(createdAt)
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{BySource: map[string]int{}, ByStatus: map[string]int{}}

	rows, err := d.sql.QueryContext(ctx, `SELECT source, status, COUNT(*) FROM service_requests GROUP BY source, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var src, status string
		var n int
		if err := rows.Scan(&src, &status, &n); err != nil {
			return nil, err
		}
		st.Total += n
		st.BySource[src] += n
		st.ByStatus[strings.ToLower(status)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullString
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*), (SELECT MAX(updated_at) FROM service_requests) FROM status_updates`).Scan(&st.StatusUpdates, &last); err != nil {
		return nil, err
	}
	st.LastUpdated = scanTime(last)
	return st, nil
}
