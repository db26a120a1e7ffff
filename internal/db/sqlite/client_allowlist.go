package sqlite

import (
	"context"

	"github.com/profilewarden/warden/internal/db"
)

func (c *sqliteClient) AddAllowlistEntry(ctx context.Context, entry *db.AllowlistEntry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO manual_allowlist (user_id, approved_by, approved_at, note)
		VALUES (?, ?, ?, ?)
	`, entry.UserID, entry.ApprovedBy, entry.ApprovedAt, entry.Note)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ErrDuplicate
		}
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (c *sqliteClient) RemoveAllowlistEntry(ctx context.Context, userID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM manual_allowlist WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (c *sqliteClient) IsAllowlisted(ctx context.Context, userID int64) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var count int
	err := c.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM manual_allowlist WHERE user_id = ?`, userID)
	return count > 0, err
}
