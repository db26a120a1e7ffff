package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iamwavecut/tool"

	"github.com/profilewarden/warden/internal/db"
)

// CreateChallenge is a plain insert on purpose: the UNIQUE(user_id,
// group_id) index arbitrates concurrent join triggers. The loser gets
// db.ErrDuplicate and must roll back its own side effects.
func (c *sqliteClient) CreateChallenge(ctx context.Context, challenge *db.PendingChallenge) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO pending_challenges (
			user_id, group_id, chat_id, message_id, display_name, verify_token, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		challenge.UserID,
		challenge.GroupID,
		challenge.ChatID,
		challenge.MessageID,
		challenge.DisplayName,
		challenge.VerifyToken,
		challenge.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ErrDuplicate
		}
		return err
	}
	challenge.ID, err = res.LastInsertId()
	return err
}

func (c *sqliteClient) GetChallenge(ctx context.Context, userID, groupID int64) (*db.PendingChallenge, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var challenge db.PendingChallenge
	err := c.db.GetContext(ctx, &challenge, `
		SELECT id, user_id, group_id, chat_id, message_id, display_name, verify_token, created_at
		FROM pending_challenges
		WHERE user_id = ? AND group_id = ?
	`, userID, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &challenge, nil
}

func (c *sqliteClient) GetUserChallenges(ctx context.Context, userID int64) ([]*db.PendingChallenge, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var challenges []*db.PendingChallenge
	err := c.db.SelectContext(ctx, &challenges, `
		SELECT id, user_id, group_id, chat_id, message_id, display_name, verify_token, created_at
		FROM pending_challenges
		WHERE user_id = ?
	`, userID)
	return challenges, err
}

func (c *sqliteClient) GetAllChallenges(ctx context.Context) ([]*db.PendingChallenge, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var challenges []*db.PendingChallenge
	err := c.db.SelectContext(ctx, &challenges, `
		SELECT id, user_id, group_id, chat_id, message_id, display_name, verify_token, created_at
		FROM pending_challenges
		ORDER BY created_at
	`)
	return challenges, err
}

func (c *sqliteClient) DeleteChallenge(ctx context.Context, userID, groupID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return tool.Err(c.db.ExecContext(ctx, `DELETE FROM pending_challenges WHERE user_id = ? AND group_id = ?`, userID, groupID))
}
