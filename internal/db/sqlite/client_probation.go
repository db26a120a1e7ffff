package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/tool"

	"github.com/profilewarden/warden/internal/db"
)

// CreateProbation is idempotent: a user re-admitted while a record
// still exists keeps the original window.
func (c *sqliteClient) CreateProbation(ctx context.Context, userID, groupID int64, joinedAt time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO probation_records (user_id, group_id, joined_at, violation_count)
		VALUES (?, ?, ?, 0)
	`, userID, groupID, joinedAt)
	return err
}

func (c *sqliteClient) GetProbation(ctx context.Context, userID, groupID int64) (*db.ProbationRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var record db.ProbationRecord
	err := c.db.GetContext(ctx, &record, `
		SELECT id, user_id, group_id, joined_at, violation_count, first_violation_at, last_violation_at
		FROM probation_records
		WHERE user_id = ? AND group_id = ?
	`, userID, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (c *sqliteClient) IncrementProbationViolation(ctx context.Context, userID, groupID int64, at time.Time) (*db.ProbationRecord, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE probation_records
		SET violation_count = violation_count + 1,
			first_violation_at = COALESCE(first_violation_at, ?),
			last_violation_at = ?
		WHERE user_id = ? AND group_id = ?
	`, at, at, userID, groupID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, db.ErrNotFound
	}

	var record db.ProbationRecord
	err = c.db.GetContext(ctx, &record, `
		SELECT id, user_id, group_id, joined_at, violation_count, first_violation_at, last_violation_at
		FROM probation_records
		WHERE user_id = ? AND group_id = ?
	`, userID, groupID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *sqliteClient) DeleteProbation(ctx context.Context, userID, groupID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return tool.Err(c.db.ExecContext(ctx, `DELETE FROM probation_records WHERE user_id = ? AND group_id = ?`, userID, groupID))
}
