package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db"
	"github.com/profilewarden/warden/internal/i18n"
	"github.com/profilewarden/warden/internal/observability"
)

// warningAction is the outcome of the progressive-enforcement
// transition function. The state per (user, group) is Clear (no active
// record), Warned(n) (active record, count n), or Restricted (record
// flipped); transitions on each violating message:
//
//	Clear                      -> Warned(1)    warnFirst
//	Warned(n), n+1 < threshold -> Warned(n+1)  incrementSilently
//	Warned(n), n+1 >= threshold -> Restricted  restrict
//
// The first violating message counts toward the threshold: a fresh
// record starts at count 1.
type warningAction int

const (
	warnFirst warningAction = iota
	incrementSilently
	restrict
)

func nextWarningAction(record *db.WarningRecord, threshold int) warningAction {
	switch {
	case record == nil:
		return warnFirst
	case record.MessageCount+1 >= threshold:
		return restrict
	default:
		return incrementSilently
	}
}

// ProfileWarden enforces profile completeness: a username and at least
// one visible profile photo (a manual allowlist entry stands in for
// the photo). Violators are warned once, then silently counted, then
// muted when either the message-count or the time threshold fires.
type ProfileWarden struct {
	s       bot.Service
	gw      Gateway
	admins  *AdminCache
	lang    string
	botName string
	clock   func() time.Time
}

func NewProfileWarden(s bot.Service, gw Gateway, admins *AdminCache, lang, botName string) *ProfileWarden {
	return &ProfileWarden{
		s:       s,
		gw:      gw,
		admins:  admins,
		lang:    lang,
		botName: botName,
		clock:   time.Now,
	}
}

func (w *ProfileWarden) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.Message == nil || chat == nil || user == nil || user.IsBot {
		return true, nil
	}
	if chat.IsPrivate() {
		return true, nil
	}
	policy := w.s.GetRegistry().Get(chat.ID)
	if policy == nil || !policy.Enforce {
		return true, nil
	}
	if w.admins.IsAdmin(chat.ID, user.ID) {
		return true, nil
	}

	missing, err := w.missingProfileItems(ctx, user)
	if err != nil {
		log.WithError(err).WithField("handler", "warden").Warn("cant evaluate profile, skipping")
		return true, nil
	}
	if len(missing) == 0 {
		return true, nil
	}

	if err := w.enforce(ctx, policy, user, missing); err != nil {
		return true, errors.WithMessage(err, "cant enforce profile policy")
	}
	return true, nil
}

// missingProfileItems returns the i18n keys of whatever the profile
// lacks. The photo check is skipped for allowlisted users. Privacy
// settings that hide photos read as having none, which is the point:
// the group cannot see them either.
func (w *ProfileWarden) missingProfileItems(ctx context.Context, user *api.User) ([]string, error) {
	var missing []string
	if user.UserName == "" {
		missing = append(missing, "username")
	}

	allowlisted, err := w.s.GetDB().IsAllowlisted(ctx, user.ID)
	if err != nil {
		return nil, errors.WithMessage(err, "cant check allowlist")
	}
	if !allowlisted {
		count, err := w.gw.CountProfilePhotos(ctx, user.ID)
		if err != nil {
			return nil, errors.WithMessage(err, "cant count profile photos")
		}
		if count == 0 {
			missing = append(missing, "profile photo")
		}
	}
	return missing, nil
}

func (w *ProfileWarden) enforce(ctx context.Context, policy *config.GroupPolicy, user *api.User, missing []string) error {
	record, err := w.s.GetDB().GetActiveWarning(ctx, user.ID, policy.GroupID)
	if err != nil {
		return errors.WithMessage(err, "cant load warning record")
	}

	now := w.clock()
	switch nextWarningAction(record, policy.WarningThreshold) {
	case warnFirst:
		fresh := &db.WarningRecord{
			UserID:        user.ID,
			GroupID:       policy.GroupID,
			MessageCount:  1,
			FirstWarnedAt: now,
			LastMessageAt: now,
		}
		if _, err := w.s.GetDB().CreateWarning(ctx, fresh); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				// A concurrent message created the record first; that
				// handler owns the first-warning notice.
				return nil
			}
			return errors.WithMessage(err, "cant create warning record")
		}
		observability.RecordProfileWarning()

		text := fmt.Sprintf(
			i18n.Get("Hi %s, please complete your %s to comply with the group rules. You will be restricted after %d messages.", w.lang),
			mentionHTML(user),
			localizeItems(missing, w.lang),
			policy.WarningThreshold,
		)
		w.notify(ctx, policy, text, nil)
		return nil

	case incrementSilently:
		return errors.WithMessage(
			w.s.GetDB().TouchWarning(ctx, user.ID, policy.GroupID, record.MessageCount+1, now),
			"cant increment warning count",
		)

	case restrict:
		// Mute precedes any DB write: if the platform call fails the
		// record stays active and the next message retries.
		if err := w.gw.Mute(ctx, user.ID, policy.GroupID); err != nil {
			return errors.WithMessage(err, "cant mute over message threshold")
		}
		if err := w.s.GetDB().MarkWarningRestricted(ctx, user.ID, policy.GroupID, true); err != nil {
			return errors.WithMessage(err, "cant mark record restricted")
		}
		observability.RecordRestriction("message_count")

		text := fmt.Sprintf(
			i18n.Get("%s has been restricted after %d messages. Please complete your %s to comply with the group rules.", w.lang),
			mentionHTML(user),
			policy.WarningThreshold,
			localizeItems(missing, w.lang),
		)
		w.notify(ctx, policy, text, w.appealMarkup())
		return nil
	}
	return nil
}

// notify is best-effort: a failed send never rolls back the mutation
// that preceded it.
func (w *ProfileWarden) notify(ctx context.Context, policy *config.GroupPolicy, text string, markup *api.InlineKeyboardMarkup) {
	if _, err := w.gw.SendMessage(ctx, policy.GroupID, policy.WarningTopicID, text, markup); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"handler":  "warden",
			"group_id": policy.GroupID,
		}).Warn("cant send warning notice")
	}
}

func (w *ProfileWarden) appealMarkup() *api.InlineKeyboardMarkup {
	markup := api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonURL(
				i18n.Get("Message the bot to lift the restriction", w.lang),
				fmt.Sprintf("https://t.me/%s", w.botName),
			),
		),
	)
	return &markup
}

func localizeItems(items []string, lang string) string {
	localized := make([]string, 0, len(items))
	for _, item := range items {
		localized = append(localized, i18n.Get(item, lang))
	}
	return strings.Join(localized, ", ")
}

func mentionHTML(user *api.User) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, user.ID, bot.GetFullName(user))
}

func mentionHTMLByID(userID int64) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">user</a>`, userID)
}
