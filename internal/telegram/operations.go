package telegram

import (
	"context"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
)

// MemberStatus mirrors the chat member status strings the API returns.
type MemberStatus string

const (
	StatusCreator       MemberStatus = "creator"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
	StatusRestricted    MemberStatus = "restricted"
	StatusLeft          MemberStatus = "left"
	StatusKicked        MemberStatus = "kicked"
)

// Absent reports whether the user is no longer present in the group.
func (s MemberStatus) Absent() bool {
	return s == StatusLeft || s == StatusKicked
}

// Operations wraps the raw bot API with the calls moderation needs.
type Operations struct {
	bot *api.BotAPI
}

func NewOperations(bot *api.BotAPI) *Operations {
	return &Operations{bot: bot}
}

// Mute strips every chat permission from the user. This is the
// mutation half of enforcement; callers persist state only after it
// succeeds.
func (o *Operations) Mute(ctx context.Context, userID, chatID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if _, err := o.bot.Request(api.RestrictChatMemberConfig{
			ChatMemberConfig: api.ChatMemberConfig{
				ChatConfig: api.ChatConfig{
					ChatID: chatID,
				},
				UserID: userID,
			},
			Permissions: &api.ChatPermissions{
				CanSendMessages:       false,
				CanSendAudios:         false,
				CanSendDocuments:      false,
				CanSendPhotos:         false,
				CanSendVideos:         false,
				CanSendVideoNotes:     false,
				CanSendVoiceNotes:     false,
				CanSendPolls:          false,
				CanSendOtherMessages:  false,
				CanAddWebPagePreviews: false,
				CanChangeInfo:         false,
				CanInviteUsers:        false,
				CanPinMessages:        false,
				CanManageTopics:       false,
			},
		}); err != nil {
			return errors.WithMessage(classify(err), "cant restrict")
		}
		return nil
	}
}

// Unmute restores the default member permissions.
func (o *Operations) Unmute(ctx context.Context, userID, chatID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if _, err := o.bot.Request(api.RestrictChatMemberConfig{
			ChatMemberConfig: api.ChatMemberConfig{
				ChatConfig: api.ChatConfig{
					ChatID: chatID,
				},
				UserID: userID,
			},
			UntilDate: time.Now().Add(10 * time.Minute).Unix(),
			Permissions: &api.ChatPermissions{
				CanSendMessages:       true,
				CanSendAudios:         true,
				CanSendDocuments:      true,
				CanSendPhotos:         true,
				CanSendVideos:         true,
				CanSendVideoNotes:     true,
				CanSendVoiceNotes:     true,
				CanSendPolls:          true,
				CanSendOtherMessages:  true,
				CanAddWebPagePreviews: true,
				CanChangeInfo:         true,
				CanInviteUsers:        true,
				CanPinMessages:        true,
				CanManageTopics:       true,
			},
		}); err != nil {
			return errors.WithMessage(classify(err), "cant unrestrict")
		}
		return nil
	}
}

// SendMessage posts text to a chat, optionally into a forum topic
// (topicID 0 targets the general chat) and optionally with an inline
// keyboard. Returns the sent message id for later edit or delete.
func (o *Operations) SendMessage(ctx context.Context, chatID int64, topicID int, text string, markup *api.InlineKeyboardMarkup) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		msg := api.NewMessage(chatID, text)
		msg.ParseMode = api.ModeHTML
		msg.MessageThreadID = topicID
		if markup != nil {
			msg.ReplyMarkup = markup
		}
		sent, err := o.bot.Send(msg)
		if err != nil {
			return 0, errors.WithMessage(classify(err), "cant send message")
		}
		return sent.MessageID, nil
	}
}

func (o *Operations) EditMessage(ctx context.Context, chatID int64, messageID int, text string, markup *api.InlineKeyboardMarkup) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		edit := api.NewEditMessageText(chatID, messageID, text)
		edit.ParseMode = api.ModeHTML
		edit.ReplyMarkup = markup
		if _, err := o.bot.Request(edit); err != nil {
			return errors.WithMessage(classify(err), "cant edit message")
		}
		return nil
	}
}

func (o *Operations) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if _, err := o.bot.Request(api.NewDeleteMessage(chatID, messageID)); err != nil {
			return errors.WithMessage(classify(err), "cant delete message")
		}
		return nil
	}
}

func (o *Operations) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		answer := api.NewCallback(callbackID, text)
		answer.ShowAlert = showAlert
		if _, err := o.bot.Request(answer); err != nil {
			return errors.WithMessage(classify(err), "cant answer callback")
		}
		return nil
	}
}

func (o *Operations) GetMembershipStatus(ctx context.Context, chatID, userID int64) (MemberStatus, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
			ChatConfigWithUser: api.ChatConfigWithUser{
				ChatConfig: api.ChatConfig{
					ChatID: chatID,
				},
				UserID: userID,
			},
		})
		if err != nil {
			err = classify(err)
			if errors.Is(err, ErrNotFound) {
				return StatusLeft, nil
			}
			return "", errors.WithMessage(err, "cant get chat member")
		}
		return MemberStatus(member.Status), nil
	}
}

func (o *Operations) GetAdministrators(ctx context.Context, chatID int64) ([]api.ChatMember, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		admins, err := o.bot.GetChatAdministrators(api.ChatAdministratorsConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
		})
		if err != nil {
			return nil, errors.WithMessage(classify(err), "cant get chat administrators")
		}
		return admins, nil
	}
}

// CountProfilePhotos returns how many profile photos the user exposes.
// Privacy settings can hide photos, which reads as zero.
func (o *Operations) CountProfilePhotos(ctx context.Context, userID int64) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
		photos, err := o.bot.GetUserProfilePhotos(api.NewUserProfilePhotos(userID))
		if err != nil {
			return 0, errors.WithMessage(classify(err), "cant get profile photos")
		}
		return photos.TotalCount, nil
	}
}
