package handlers

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/bot"
)

// TopicGuard keeps the warning topic read-only for regular members:
// anything posted there by a non-admin is removed. Registered first in
// the chain so noise never reaches the engines.
type TopicGuard struct {
	s      bot.Service
	gw     Gateway
	admins *AdminCache
}

func NewTopicGuard(s bot.Service, gw Gateway, admins *AdminCache) *TopicGuard {
	return &TopicGuard{
		s:      s,
		gw:     gw,
		admins: admins,
	}
}

func (t *TopicGuard) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.Message == nil || chat == nil || user == nil || user.IsBot {
		return true, nil
	}
	policy := t.s.GetRegistry().Get(chat.ID)
	if policy == nil || policy.WarningTopicID == 0 {
		return true, nil
	}
	if u.Message.MessageThreadID != policy.WarningTopicID {
		return true, nil
	}
	if t.admins.IsAdmin(chat.ID, user.ID) {
		return true, nil
	}

	if err := t.gw.DeleteMessage(ctx, chat.ID, u.Message.MessageID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"handler":  "topicguard",
			"group_id": chat.ID,
			"user_id":  user.ID,
		}).Warn("cant delete off-topic message")
	}
	return false, nil
}
