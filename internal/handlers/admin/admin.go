package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/db"
	chat "github.com/profilewarden/warden/internal/handlers/chat"
	"github.com/profilewarden/warden/internal/i18n"
)

// Admin serves the operator commands over DM: /verify (manual
// clearance), /unverify, and /check, plus the inline buttons the
// /check report offers. Access requires administering at least one
// monitored group.
type Admin struct {
	s      bot.Service
	gw     chat.Gateway
	admins *chat.AdminCache
	lang   string
	clock  func() time.Time
}

func NewAdmin(s bot.Service, gw chat.Gateway, admins *chat.AdminCache, lang string) *Admin {
	return &Admin{
		s:      s,
		gw:     gw,
		admins: admins,
		lang:   lang,
		clock:  time.Now,
	}
}

func (a *Admin) Handle(ctx context.Context, u *api.Update, _ *api.Chat, user *api.User) (bool, error) {
	if u.CallbackQuery != nil {
		action, targetID, extra, ok := parseAdminCallback(u.CallbackQuery.Data)
		if !ok {
			return true, nil
		}
		if !a.admins.IsAnyGroupAdmin(u.CallbackQuery.From.ID) {
			return false, a.gw.AnswerCallback(ctx, u.CallbackQuery.ID, i18n.Get("This button is not for you.", a.lang), true)
		}
		return false, a.runCallback(ctx, u.CallbackQuery, action, targetID, extra)
	}

	if u.Message == nil || user == nil || !u.Message.Chat.IsPrivate() || !u.Message.IsCommand() {
		return true, nil
	}
	command := u.Message.Command()
	if command != "verify" && command != "unverify" && command != "check" {
		return true, nil
	}
	if !a.admins.IsAnyGroupAdmin(user.ID) {
		// Silently fall through; non-admins get the regular DM flow.
		return true, nil
	}

	targetID, err := strconv.ParseInt(strings.TrimSpace(u.Message.CommandArguments()), 10, 64)
	if err != nil {
		return false, a.reply(ctx, user.ID, fmt.Sprintf("Usage: /%s <user_id>", command))
	}

	switch command {
	case "verify":
		return false, a.verify(ctx, user.ID, targetID, user.ID)
	case "unverify":
		return false, a.unverify(ctx, user.ID, targetID)
	case "check":
		return false, a.check(ctx, user.ID, targetID)
	}
	return true, nil
}

// parseAdminCallback splits "verify:<id>", "unverify:<id>" and
// "warn:<id>:<item>" payloads.
func parseAdminCallback(data string) (action string, targetID int64, extra string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return "", 0, "", false
	}
	switch parts[0] {
	case "verify", "unverify":
	case "warn":
		if len(parts) != 3 {
			return "", 0, "", false
		}
		extra = parts[2]
	default:
		return "", 0, "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], id, extra, true
}

func (a *Admin) runCallback(ctx context.Context, q *api.CallbackQuery, action string, targetID int64, extra string) error {
	adminID := q.From.ID
	if err := a.gw.AnswerCallback(ctx, q.ID, "", false); err != nil {
		log.WithError(err).Debug("cant answer admin callback")
	}
	switch action {
	case "verify":
		return a.verify(ctx, adminID, targetID, adminID)
	case "unverify":
		return a.unverify(ctx, adminID, targetID)
	case "warn":
		return a.manualWarn(ctx, adminID, targetID, extra)
	}
	return nil
}

// verify performs manual clearance: allowlist the user, lift every
// restriction this bot applied, drop all their warning records, and
// announce the clearance in each group that had any.
func (a *Admin) verify(ctx context.Context, adminID, targetID, approvedBy int64) error {
	entry := log.WithFields(log.Fields{"handler": "admin", "target_id": targetID})

	entryRow := &db.AllowlistEntry{
		UserID:     targetID,
		ApprovedBy: approvedBy,
		ApprovedAt: a.clock(),
	}
	if err := a.s.GetDB().AddAllowlistEntry(ctx, entryRow); err != nil {
		if !errors.Is(err, db.ErrDuplicate) {
			return errors.WithMessage(err, "cant add allowlist entry")
		}
		entry.Debug("user already allowlisted")
	}

	// Collect the groups that held any record before deleting, so the
	// clearance notice goes only where a record actually existed.
	noticeGroups := make(map[int64]struct{})
	restrictedGroups, err := a.s.GetDB().GetBotRestrictedGroups(ctx, targetID)
	if err != nil {
		return errors.WithMessage(err, "cant load restricted groups")
	}
	for _, groupID := range restrictedGroups {
		noticeGroups[groupID] = struct{}{}
	}
	for _, policy := range a.s.GetRegistry().AllGroups() {
		record, err := a.s.GetDB().GetActiveWarning(ctx, targetID, policy.GroupID)
		if err != nil {
			entry.WithError(err).WithField("group_id", policy.GroupID).Warn("cant check warning record")
			continue
		}
		if record != nil {
			noticeGroups[policy.GroupID] = struct{}{}
		}
	}

	// Unmute precedes the record wipe: a group whose unmute fails
	// keeps its flagged records so the clearance can be re-run.
	failed := make(map[int64]struct{})
	for _, groupID := range restrictedGroups {
		if err := a.gw.Unmute(ctx, targetID, groupID); err != nil {
			entry.WithError(err).WithField("group_id", groupID).Warn("cant unmute during clearance")
			failed[groupID] = struct{}{}
			delete(noticeGroups, groupID)
		}
	}

	var deleted int64
	for _, policy := range a.s.GetRegistry().AllGroups() {
		if _, skip := failed[policy.GroupID]; skip {
			continue
		}
		n, err := a.s.GetDB().DeleteUserGroupWarnings(ctx, targetID, policy.GroupID)
		if err != nil {
			entry.WithError(err).WithField("group_id", policy.GroupID).Error("cant delete warning records")
			continue
		}
		deleted += n
	}
	entry.WithField("deleted", deleted).Info("manual clearance done")

	if deleted > 0 {
		text := fmt.Sprintf(
			i18n.Get("%s has been manually verified by an operator, previous warnings are cleared.", a.lang),
			fmt.Sprintf(`<a href="tg://user?id=%d">user</a>`, targetID),
		)
		for groupID := range noticeGroups {
			policy := a.s.GetRegistry().Get(groupID)
			if policy == nil {
				continue
			}
			if _, err := a.gw.SendMessage(ctx, groupID, policy.WarningTopicID, text, nil); err != nil {
				entry.WithError(err).WithField("group_id", groupID).Warn("cant send clearance notice")
			}
		}
	}

	return a.reply(ctx, adminID, fmt.Sprintf("User %d verified, %d warning record(s) cleared.", targetID, deleted))
}

func (a *Admin) unverify(ctx context.Context, adminID, targetID int64) error {
	err := a.s.GetDB().RemoveAllowlistEntry(ctx, targetID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return a.reply(ctx, adminID, fmt.Sprintf("User %d is not on the allowlist.", targetID))
	case err != nil:
		return errors.WithMessage(err, "cant remove allowlist entry")
	default:
		return a.reply(ctx, adminID, fmt.Sprintf("User %d removed from the allowlist.", targetID))
	}
}

// check reports the target's completeness state with action buttons.
func (a *Admin) check(ctx context.Context, adminID, targetID int64) error {
	allowlisted, err := a.s.GetDB().IsAllowlisted(ctx, targetID)
	if err != nil {
		return errors.WithMessage(err, "cant check allowlist")
	}
	photos, err := a.gw.CountProfilePhotos(ctx, targetID)
	if err != nil {
		return errors.WithMessage(err, "cant count profile photos")
	}
	restrictedGroups, err := a.s.GetDB().GetBotRestrictedGroups(ctx, targetID)
	if err != nil {
		return errors.WithMessage(err, "cant load restricted groups")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User %d\n", targetID)
	fmt.Fprintf(&sb, "Allowlisted: %t\n", allowlisted)
	fmt.Fprintf(&sb, "Profile photos: %d\n", photos)
	fmt.Fprintf(&sb, "Bot-restricted in %d group(s)\n", len(restrictedGroups))

	rows := make([][]api.InlineKeyboardButton, 0, 2)
	if photos == 0 && !allowlisted {
		rows = append(rows, api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Warn", fmt.Sprintf("warn:%d:profile photo", targetID)),
		))
	}
	if allowlisted {
		rows = append(rows, api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Unverify", fmt.Sprintf("unverify:%d", targetID)),
		))
	} else {
		rows = append(rows, api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData("Verify", fmt.Sprintf("verify:%d", targetID)),
		))
	}
	markup := api.NewInlineKeyboardMarkup(rows...)

	_, err = a.gw.SendMessage(ctx, adminID, 0, sb.String(), &markup)
	return errors.WithMessage(err, "cant send check report")
}

// manualWarn posts a warning into every monitored group the target is
// currently a member of.
func (a *Admin) manualWarn(ctx context.Context, adminID, targetID int64, item string) error {
	entry := log.WithFields(log.Fields{"handler": "admin", "target_id": targetID})

	warned := 0
	for _, policy := range a.s.GetRegistry().AllGroups() {
		status, err := a.gw.GetMembershipStatus(ctx, policy.GroupID, targetID)
		if err != nil || status.Absent() {
			continue
		}
		text := fmt.Sprintf(
			i18n.Get("Hi %s, please complete your %s to comply with the group rules. You will be restricted after %d messages.", a.lang),
			fmt.Sprintf(`<a href="tg://user?id=%d">user</a>`, targetID),
			i18n.Get(item, a.lang),
			policy.WarningThreshold,
		)
		if _, err := a.gw.SendMessage(ctx, policy.GroupID, policy.WarningTopicID, text, nil); err != nil {
			entry.WithError(err).WithField("group_id", policy.GroupID).Warn("cant send manual warning")
			continue
		}
		warned++
	}
	return a.reply(ctx, adminID, fmt.Sprintf("Warning sent to %d group(s).", warned))
}

func (a *Admin) reply(ctx context.Context, adminID int64, text string) error {
	_, err := a.gw.SendMessage(ctx, adminID, 0, text, nil)
	return errors.WithMessage(err, "cant send admin reply")
}
