package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertCitizenRequest stores a citizen-submitted request under a fresh
// external id. Ids already taken are skipped, up to maxAttempts candidates;
// after that ErrIDSpaceExhausted is returned and nothing is written.
func (d *DB) InsertCitizenRequest(ctx context.Context, req *StoredRequest, ids IDGenerator, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	req.Source = SourceCitizen
	if req.Status == "" {
		req.Status = "New"
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := ids.NextID()
		ok, err := d.tryInsertCitizen(ctx, req, candidate)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrIDSpaceExhausted, maxAttempts)
}

func (d *DB) tryInsertCitizen(ctx context.Context, req *StoredRequest, externalID int64) (ok bool, err error) {
	now := d.now().UTC()
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	var taken int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM service_requests WHERE external_id = ?", externalID).Scan(&taken); err != nil {
		return false, err
	}
	if taken > 0 {
		return false, nil
	}

	req.ExternalID = externalID
	if req.InitiatedAt == nil {
		req.InitiatedAt = &now
	}
	if err = insertRequest(ctx, tx, req, now); err != nil {
		return false, err
	}
	u := StatusUpdate{
		ExternalID: externalID,
		NewStatus:  req.Status,
		Message:    "Request submitted",
		Actor:      ActorCitizen,
		Visible:    true,
		CreatedAt:  now,
	}
	if err = insertUpdate(ctx, tx, &u); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// PruneInternalUpdates deletes system-authored updates that were never
// visible to citizens and are older than before.
func (d *DB) PruneInternalUpdates(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM status_updates WHERE visible = 0 AND actor = ? AND created_at < ?", ActorSystem, formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) Optimize(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, "PRAGMA optimize")
	return err
}
