package db

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicate signals that a unique constraint rejected an insert.
	// For pending challenges this is the designed race-lost signal: the
	// losing trigger aborts cleanly.
	ErrDuplicate = errors.New("duplicate record")
)

type Client interface {
	Close() error

	// Warnings.
	GetActiveWarning(ctx context.Context, userID, groupID int64) (*WarningRecord, error)
	CreateWarning(ctx context.Context, record *WarningRecord) (*WarningRecord, error)
	TouchWarning(ctx context.Context, userID, groupID int64, messageCount int, lastMessageAt time.Time) error
	MarkWarningRestricted(ctx context.Context, userID, groupID int64, byBot bool) error
	ClearBotRestrictedFlag(ctx context.Context, userID, groupID int64) error
	GetActiveWarningsBefore(ctx context.Context, groupID int64, cutoff time.Time) ([]*WarningRecord, error)
	GetBotRestrictedGroups(ctx context.Context, userID int64) ([]int64, error)
	DeleteWarning(ctx context.Context, id int64) error
	DeleteUserGroupWarnings(ctx context.Context, userID, groupID int64) (int64, error)

	// Challenges.
	CreateChallenge(ctx context.Context, challenge *PendingChallenge) error
	GetChallenge(ctx context.Context, userID, groupID int64) (*PendingChallenge, error)
	GetUserChallenges(ctx context.Context, userID int64) ([]*PendingChallenge, error)
	GetAllChallenges(ctx context.Context) ([]*PendingChallenge, error)
	DeleteChallenge(ctx context.Context, userID, groupID int64) error

	// Probation.
	CreateProbation(ctx context.Context, userID, groupID int64, joinedAt time.Time) error
	GetProbation(ctx context.Context, userID, groupID int64) (*ProbationRecord, error)
	IncrementProbationViolation(ctx context.Context, userID, groupID int64, at time.Time) (*ProbationRecord, error)
	DeleteProbation(ctx context.Context, userID, groupID int64) error

	// Manual allowlist.
	AddAllowlistEntry(ctx context.Context, entry *AllowlistEntry) error
	RemoveAllowlistEntry(ctx context.Context, userID int64) error
	IsAllowlisted(ctx context.Context, userID int64) (bool, error)
}
