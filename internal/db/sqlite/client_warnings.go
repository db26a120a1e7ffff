package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iamwavecut/tool"

	"github.com/profilewarden/warden/internal/db"
)

func (c *sqliteClient) GetActiveWarning(ctx context.Context, userID, groupID int64) (*db.WarningRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var record db.WarningRecord
	err := c.db.GetContext(ctx, &record, `
		SELECT id, user_id, group_id, message_count, first_warned_at, last_message_at, is_restricted, restricted_by_bot
		FROM profile_warnings
		WHERE user_id = ? AND group_id = ? AND is_restricted = 0
	`, userID, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (c *sqliteClient) CreateWarning(ctx context.Context, record *db.WarningRecord) (*db.WarningRecord, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO profile_warnings (
			user_id, group_id, message_count, first_warned_at, last_message_at, is_restricted, restricted_by_bot
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		record.UserID,
		record.GroupID,
		record.MessageCount,
		record.FirstWarnedAt,
		record.LastMessageAt,
		record.IsRestricted,
		record.RestrictedByBot,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, db.ErrDuplicate
		}
		return nil, err
	}
	record.ID, err = res.LastInsertId()
	return record, err
}

// TouchWarning sets the message count and last seen time on the active
// record. Callers pass the already-capped count; the WHERE guard keeps
// the stored value monotonic even if two handlers race.
func (c *sqliteClient) TouchWarning(ctx context.Context, userID, groupID int64, messageCount int, lastMessageAt time.Time) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `
		UPDATE profile_warnings
		SET message_count = MAX(message_count, ?), last_message_at = ?
		WHERE user_id = ? AND group_id = ? AND is_restricted = 0
	`, messageCount, lastMessageAt, userID, groupID)
	return err
}

func (c *sqliteClient) MarkWarningRestricted(ctx context.Context, userID, groupID int64, byBot bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE profile_warnings
		SET is_restricted = 1, restricted_by_bot = ?
		WHERE user_id = ? AND group_id = ? AND is_restricted = 0
	`, byBot, userID, groupID)
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

func (c *sqliteClient) ClearBotRestrictedFlag(ctx context.Context, userID, groupID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE profile_warnings
		SET restricted_by_bot = 0
		WHERE user_id = ? AND group_id = ? AND restricted_by_bot = 1
	`, userID, groupID)
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

func (c *sqliteClient) GetActiveWarningsBefore(ctx context.Context, groupID int64, cutoff time.Time) ([]*db.WarningRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var records []*db.WarningRecord
	err := c.db.SelectContext(ctx, &records, `
		SELECT id, user_id, group_id, message_count, first_warned_at, last_message_at, is_restricted, restricted_by_bot
		FROM profile_warnings
		WHERE group_id = ? AND is_restricted = 0 AND first_warned_at <= ?
	`, groupID, cutoff)
	return records, err
}

func (c *sqliteClient) GetBotRestrictedGroups(ctx context.Context, userID int64) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var groupIDs []int64
	err := c.db.SelectContext(ctx, &groupIDs, `
		SELECT DISTINCT group_id
		FROM profile_warnings
		WHERE user_id = ? AND restricted_by_bot = 1
	`, userID)
	return groupIDs, err
}

func (c *sqliteClient) DeleteWarning(ctx context.Context, id int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return tool.Err(c.db.ExecContext(ctx, `DELETE FROM profile_warnings WHERE id = ?`, id))
}

func (c *sqliteClient) DeleteUserGroupWarnings(ctx context.Context, userID, groupID int64) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM profile_warnings WHERE user_id = ? AND group_id = ?`, userID, groupID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
