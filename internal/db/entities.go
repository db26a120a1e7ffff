package db

import "time"

type (
	// WarningRecord tracks one progressive-enforcement cycle for a user
	// in a group. At most one active (is_restricted = false) record may
	// exist per (user, group); a restricted record is history and a new
	// violation cycle creates a fresh row.
	WarningRecord struct {
		ID              int64     `db:"id"`
		UserID          int64     `db:"user_id"`
		GroupID         int64     `db:"group_id"`
		MessageCount    int       `db:"message_count"`
		FirstWarnedAt   time.Time `db:"first_warned_at"`
		LastMessageAt   time.Time `db:"last_message_at"`
		IsRestricted    bool      `db:"is_restricted"`
		RestrictedByBot bool      `db:"restricted_by_bot"`
	}

	// PendingChallenge exists while a newly joined user is muted and
	// awaiting the verification press. Unique on (user_id, group_id);
	// the insert is the race arbiter between concurrent join triggers.
	PendingChallenge struct {
		ID          int64     `db:"id"`
		UserID      int64     `db:"user_id"`
		GroupID     int64     `db:"group_id"`
		ChatID      int64     `db:"chat_id"`
		MessageID   int       `db:"message_id"`
		DisplayName string    `db:"display_name"`
		VerifyToken string    `db:"verify_token"`
		CreatedAt   time.Time `db:"created_at"`
	}

	// ProbationRecord tracks the anti-spam window after admission. It is
	// logically valid only while now < joined_at + probation duration and
	// is lazily deleted on the first message seen after expiry.
	ProbationRecord struct {
		ID               int64      `db:"id"`
		UserID           int64      `db:"user_id"`
		GroupID          int64      `db:"group_id"`
		JoinedAt         time.Time  `db:"joined_at"`
		ViolationCount   int        `db:"violation_count"`
		FirstViolationAt *time.Time `db:"first_violation_at"`
		LastViolationAt  *time.Time `db:"last_violation_at"`
	}

	// AllowlistEntry marks a user as manually verified by an operator.
	// Global, not per-group; bypasses the profile photo check.
	AllowlistEntry struct {
		ID         int64     `db:"id"`
		UserID     int64     `db:"user_id"`
		ApprovedBy int64     `db:"approved_by"`
		ApprovedAt time.Time `db:"approved_at"`
		Note       string    `db:"note"`
	}
)
