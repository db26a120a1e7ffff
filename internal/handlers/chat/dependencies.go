package handlers

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/profilewarden/warden/internal/telegram"
)

// Gateway is the slice of platform operations the chat handlers use.
// *telegram.Operations satisfies it; tests substitute a recorder.
type Gateway interface {
	Mute(ctx context.Context, userID, chatID int64) error
	Unmute(ctx context.Context, userID, chatID int64) error
	SendMessage(ctx context.Context, chatID int64, topicID int, text string, markup *api.InlineKeyboardMarkup) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, markup *api.InlineKeyboardMarkup) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error
	GetMembershipStatus(ctx context.Context, chatID, userID int64) (telegram.MemberStatus, error)
	CountProfilePhotos(ctx context.Context, userID int64) (int, error)
}
