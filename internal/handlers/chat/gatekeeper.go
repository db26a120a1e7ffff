package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db"
	"github.com/profilewarden/warden/internal/i18n"
	"github.com/profilewarden/warden/internal/observability"
	"github.com/profilewarden/warden/internal/scheduler"
	"github.com/profilewarden/warden/internal/telegram"
)

// Gatekeeper gates newly joined members behind a verification button.
// The pending_challenges table is the source of truth: its unique
// (user, group) constraint arbitrates concurrent join triggers, and
// persisted rows survive restarts so timeouts are recovered from the
// DB, never from in-memory timer state.
type Gatekeeper struct {
	s     bot.Service
	gw    Gateway
	sched *scheduler.Scheduler
	lang  string
	clock func() time.Time
}

func NewGatekeeper(s bot.Service, gw Gateway, sched *scheduler.Scheduler, lang string) *Gatekeeper {
	return &Gatekeeper{
		s:     s,
		gw:    gw,
		sched: sched,
		lang:  lang,
		clock: time.Now,
	}
}

func challengeTimerName(groupID, userID int64) string {
	return fmt.Sprintf("challenge_timeout_%d_%d", groupID, userID)
}

func (g *Gatekeeper) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.CallbackQuery != nil {
		if _, _, ok := parseVerifyCallback(u.CallbackQuery.Data); !ok {
			return true, nil
		}
		return false, g.handleVerification(ctx, u.CallbackQuery)
	}
	if chat == nil || user == nil {
		return true, nil
	}

	policy := g.s.GetRegistry().Get(chat.ID)
	if policy == nil {
		return true, nil
	}

	switch {
	case u.Message != nil && len(u.Message.NewChatMembers) > 0:
		for i := range u.Message.NewChatMembers {
			member := u.Message.NewChatMembers[i]
			if member.IsBot {
				continue
			}
			if err := g.admit(ctx, policy, &member); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"handler":  "gatekeeper",
					"group_id": chat.ID,
					"user_id":  member.ID,
				}).Error("cant admit new member")
			}
		}
		return true, nil

	case u.ChatMember != nil && isRejoinTransition(u.ChatMember):
		joined := u.ChatMember.NewChatMember.User
		if joined == nil || joined.IsBot {
			return true, nil
		}
		if err := g.admit(ctx, policy, joined); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"handler":  "gatekeeper",
				"group_id": chat.ID,
				"user_id":  joined.ID,
			}).Error("cant admit rejoined member")
		}
		return true, nil
	}
	return true, nil
}

// isRejoinTransition matches only transitions out of {left, kicked}
// into {member, restricted}. Promotions to administrator and lateral
// status changes never trigger a challenge.
func isRejoinTransition(m *api.ChatMemberUpdated) bool {
	from := telegram.MemberStatus(m.OldChatMember.Status)
	to := telegram.MemberStatus(m.NewChatMember.Status)
	if from != telegram.StatusLeft && from != telegram.StatusKicked {
		return false
	}
	return to == telegram.StatusMember || to == telegram.StatusRestricted
}

// admit runs the challenge protocol for one joined user, or opens
// probation directly when challenges are disabled for the group.
func (g *Gatekeeper) admit(ctx context.Context, policy *config.GroupPolicy, user *api.User) error {
	if !policy.ChallengeEnabled {
		return g.openProbation(ctx, policy, user.ID)
	}

	existing, err := g.s.GetDB().GetChallenge(ctx, user.ID, policy.GroupID)
	if err != nil {
		return errors.WithMessage(err, "cant check pending challenge")
	}
	if existing != nil {
		return nil
	}

	// Mutation first: no row is written unless the user is actually
	// muted, so a failed mute leaves the next trigger free to retry.
	if err := g.gw.Mute(ctx, user.ID, policy.GroupID); err != nil {
		return errors.WithMessage(err, "cant mute joined user")
	}

	displayName := bot.GetFullName(user)
	token := uuid.New()
	markup := g.challengeMarkup(user.ID, token, policy.RulesLink)
	text := fmt.Sprintf(
		i18n.Get("Welcome, %s! Please tap the button below within %s to confirm you are human.", g.lang),
		displayName,
		policy.ChallengeTimeout().String(),
	)
	messageID, err := g.gw.SendMessage(ctx, policy.GroupID, 0, text, markup)
	if err != nil {
		return errors.WithMessage(err, "cant send challenge message")
	}

	challenge := &db.PendingChallenge{
		UserID:      user.ID,
		GroupID:     policy.GroupID,
		ChatID:      policy.GroupID,
		MessageID:   messageID,
		DisplayName: displayName,
		VerifyToken: token,
		CreatedAt:   g.clock(),
	}
	if err := g.s.GetDB().CreateChallenge(ctx, challenge); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// A concurrent trigger won the race after our message went
			// out. Remove the redundant message and stand down; the
			// winner owns the timer and the row.
			if delErr := g.gw.DeleteMessage(ctx, policy.GroupID, messageID); delErr != nil {
				log.WithError(delErr).Debug("cant delete redundant challenge message")
			}
			return nil
		}
		return errors.WithMessage(err, "cant persist challenge")
	}

	g.scheduleTimeout(policy.GroupID, user.ID, policy.ChallengeTimeout())
	observability.RecordChallenge("issued")
	return nil
}

func (g *Gatekeeper) challengeMarkup(userID int64, token, rulesLink string) *api.InlineKeyboardMarkup {
	rows := [][]api.InlineKeyboardButton{
		{
			api.NewInlineKeyboardButtonData(
				i18n.Get("I'm human", g.lang),
				fmt.Sprintf("%d;%s", userID, token),
			),
		},
	}
	if rulesLink != "" {
		rows = append(rows, []api.InlineKeyboardButton{
			api.NewInlineKeyboardButtonURL(i18n.Get("Group rules", g.lang), rulesLink),
		})
	}
	markup := api.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// parseVerifyCallback splits "<user_id>;<token>" callback payloads.
func parseVerifyCallback(data string) (userID int64, token string, ok bool) {
	parts := strings.SplitN(data, ";", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", false
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return userID, parts[1], true
}

func (g *Gatekeeper) handleVerification(ctx context.Context, q *api.CallbackQuery) error {
	entry := log.WithFields(log.Fields{"handler": "gatekeeper", "method": "handleVerification"})

	targetID, token, ok := parseVerifyCallback(q.Data)
	if !ok || q.Message == nil {
		return nil
	}
	groupID := q.Message.Chat.ID

	if q.From.ID != targetID {
		return g.gw.AnswerCallback(ctx, q.ID, i18n.Get("This button is not for you.", g.lang), true)
	}

	challenge, err := g.s.GetDB().GetChallenge(ctx, targetID, groupID)
	if err != nil {
		return errors.WithMessage(err, "cant load challenge")
	}
	if challenge == nil || challenge.VerifyToken != token {
		return g.gw.AnswerCallback(ctx, q.ID, i18n.Get("Verification failed, please try again.", g.lang), true)
	}

	// Unmute is the state mutation: nothing is deleted until it lands,
	// so a transient failure leaves the challenge pending and the user
	// free to press again.
	if err := g.gw.Unmute(ctx, targetID, groupID); err != nil {
		entry.WithError(err).Warn("cant unmute verified user")
		return g.gw.AnswerCallback(ctx, q.ID, i18n.Get("Verification failed, please try again.", g.lang), true)
	}

	if err := g.s.GetDB().DeleteChallenge(ctx, targetID, groupID); err != nil {
		return errors.WithMessage(err, "cant delete verified challenge")
	}
	g.sched.Cancel(challengeTimerName(groupID, targetID))

	successText := fmt.Sprintf(
		i18n.Get("Thank you %s, verification passed. Welcome aboard!", g.lang),
		challenge.DisplayName,
	)
	if err := g.gw.EditMessage(ctx, challenge.ChatID, challenge.MessageID, successText, nil); err != nil {
		entry.WithError(err).Debug("cant edit challenge message to success")
	}
	if err := g.gw.AnswerCallback(ctx, q.ID, "", false); err != nil {
		entry.WithError(err).Debug("cant answer verification callback")
	}
	observability.RecordChallenge("verified")

	policy := g.s.GetRegistry().Get(groupID)
	if policy != nil {
		if err := g.openProbation(ctx, policy, targetID); err != nil {
			entry.WithError(err).Error("cant open probation after verification")
		}
	}
	return nil
}

// fireTimeout runs the expiry logic for one (group, user). An absent
// row means verification won, making a late or duplicate firing a
// no-op; that property is what lets recovery re-arm timers freely.
func (g *Gatekeeper) fireTimeout(ctx context.Context, groupID, userID int64) {
	entry := log.WithFields(log.Fields{
		"handler":  "gatekeeper",
		"group_id": groupID,
		"user_id":  userID,
	})

	challenge, err := g.s.GetDB().GetChallenge(ctx, userID, groupID)
	if err != nil {
		entry.WithError(err).Error("cant load challenge on timeout")
		return
	}
	if challenge == nil {
		return
	}

	if err := g.s.GetDB().DeleteChallenge(ctx, userID, groupID); err != nil {
		entry.WithError(err).Error("cant delete expired challenge")
		return
	}

	timeoutText := fmt.Sprintf(
		i18n.Get("%s did not complete verification in time and remains muted.", g.lang),
		challenge.DisplayName,
	)
	if err := g.gw.EditMessage(ctx, challenge.ChatID, challenge.MessageID, timeoutText, nil); err != nil {
		entry.WithError(err).Debug("cant edit challenge message to timeout")
	}
	observability.RecordChallenge("expired")
}

func (g *Gatekeeper) scheduleTimeout(groupID, userID int64, after time.Duration) {
	g.sched.RunOnce(after, challengeTimerName(groupID, userID), func(ctx context.Context) {
		g.fireTimeout(ctx, groupID, userID)
	})
}

func (g *Gatekeeper) openProbation(ctx context.Context, policy *config.GroupPolicy, userID int64) error {
	if policy.ProbationHours <= 0 {
		return nil
	}
	return errors.WithMessage(
		g.s.GetDB().CreateProbation(ctx, userID, policy.GroupID, g.clock()),
		"cant create probation record",
	)
}
