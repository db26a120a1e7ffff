package handlers

import (
	"context"
	"fmt"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/i18n"
	"github.com/profilewarden/warden/internal/telegram"
)

// DMLift lets a restricted user lift their own mute by completing
// their profile and messaging the bot privately. Only restrictions
// this bot applied (restricted_by_bot) are lifted; operator mutes are
// left alone.
type DMLift struct {
	s     bot.Service
	gw    Gateway
	lang  string
	clock func() time.Time
}

func NewDMLift(s bot.Service, gw Gateway, lang string) *DMLift {
	return &DMLift{
		s:     s,
		gw:    gw,
		lang:  lang,
		clock: time.Now,
	}
}

func (d *DMLift) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.Message == nil || chat == nil || user == nil || user.IsBot {
		return true, nil
	}
	if !chat.IsPrivate() || u.Message.IsCommand() {
		return true, nil
	}
	return false, d.lift(ctx, user)
}

func (d *DMLift) lift(ctx context.Context, user *api.User) error {
	entry := log.WithFields(log.Fields{"handler": "dm", "user_id": user.ID})

	// A user mid-challenge is muted for a different reason; the lift
	// path must not bypass verification.
	challenges, err := d.s.GetDB().GetUserChallenges(ctx, user.ID)
	if err != nil {
		return errors.WithMessage(err, "cant check pending challenges")
	}
	if len(challenges) > 0 {
		return d.reply(ctx, user.ID, i18n.Get("Please finish the verification in the group first.", d.lang))
	}

	missing, err := d.missingProfileItems(ctx, user)
	if err != nil {
		return errors.WithMessage(err, "cant evaluate profile")
	}
	if len(missing) > 0 {
		return d.reply(ctx, user.ID, fmt.Sprintf(
			i18n.Get("Your profile is still missing: %s. Complete it and message me again.", d.lang),
			localizeItems(missing, d.lang),
		))
	}

	groupIDs, err := d.s.GetDB().GetBotRestrictedGroups(ctx, user.ID)
	if err != nil {
		return errors.WithMessage(err, "cant load restricted groups")
	}
	if len(groupIDs) == 0 {
		if d.isMemberAnywhere(ctx, user.ID) {
			return d.reply(ctx, user.ID, i18n.Get("You have no active restriction set by me.", d.lang))
		}
		return d.reply(ctx, user.ID, i18n.Get("You are not a member of any group I monitor.", d.lang))
	}

	var lifted, alreadyFree int
	for _, groupID := range groupIDs {
		status, err := d.gw.GetMembershipStatus(ctx, groupID, user.ID)
		if err != nil {
			entry.WithError(err).WithField("group_id", groupID).Warn("cant check membership")
			continue
		}
		if status != telegram.StatusRestricted {
			// An operator lifted the mute out-of-band. Clear the flag
			// without touching permissions; an extra unmute call here
			// would fight the operator's decision.
			if err := d.s.GetDB().ClearBotRestrictedFlag(ctx, user.ID, groupID); err != nil {
				entry.WithError(err).WithField("group_id", groupID).Error("cant clear stale restriction flag")
				continue
			}
			alreadyFree++
			continue
		}

		// Unmute first; the flag survives a failed call so the next DM
		// retries this group.
		if err := d.gw.Unmute(ctx, user.ID, groupID); err != nil {
			entry.WithError(err).WithField("group_id", groupID).Warn("cant unmute, keeping flag for retry")
			continue
		}
		if err := d.s.GetDB().ClearBotRestrictedFlag(ctx, user.ID, groupID); err != nil {
			entry.WithError(err).WithField("group_id", groupID).Error("cant clear restriction flag")
			continue
		}
		lifted++

		if policy := d.s.GetRegistry().Get(groupID); policy != nil {
			text := fmt.Sprintf(
				i18n.Get("%s completed their profile and the restriction has been lifted.", d.lang),
				mentionHTML(user),
			)
			if _, err := d.gw.SendMessage(ctx, policy.GroupID, policy.WarningTopicID, text, nil); err != nil {
				entry.WithError(err).WithField("group_id", groupID).Warn("cant send lift notice")
			}
		}
	}

	switch {
	case lifted > 0:
		return d.reply(ctx, user.ID, i18n.Get("Your profile is complete and the restriction has been lifted. Welcome back!", d.lang))
	case alreadyFree > 0:
		return d.reply(ctx, user.ID, i18n.Get("Your restriction was already lifted by an operator.", d.lang))
	default:
		// Every group hit a transient failure; the flags remain set.
		return d.reply(ctx, user.ID, i18n.Get("Verification failed, please try again.", d.lang))
	}
}

func (d *DMLift) missingProfileItems(ctx context.Context, user *api.User) ([]string, error) {
	var missing []string
	if user.UserName == "" {
		missing = append(missing, "username")
	}
	allowlisted, err := d.s.GetDB().IsAllowlisted(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !allowlisted {
		count, err := d.gw.CountProfilePhotos(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			missing = append(missing, "profile photo")
		}
	}
	return missing, nil
}

func (d *DMLift) isMemberAnywhere(ctx context.Context, userID int64) bool {
	for _, policy := range d.s.GetRegistry().AllGroups() {
		status, err := d.gw.GetMembershipStatus(ctx, policy.GroupID, userID)
		if err != nil {
			continue
		}
		if !status.Absent() {
			return true
		}
	}
	return false
}

func (d *DMLift) reply(ctx context.Context, userID int64, text string) error {
	_, err := d.gw.SendMessage(ctx, userID, 0, text, nil)
	return errors.WithMessage(err, "cant send dm reply")
}
