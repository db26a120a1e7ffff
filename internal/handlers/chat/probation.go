package handlers

import (
	"context"
	"fmt"
	"net/url"
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

// Probation watches recently admitted members. During the probation
// window, forwards, quotes of outside content, stories and links to
// non-allowlisted hosts are removed and counted; the window itself
// expires lazily on the first message seen past it.
type Probation struct {
	s     bot.Service
	gw    Gateway
	lang  string
	clock func() time.Time
}

func NewProbation(s bot.Service, gw Gateway, lang string) *Probation {
	return &Probation{
		s:     s,
		gw:    gw,
		lang:  lang,
		clock: time.Now,
	}
}

func (p *Probation) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.Message == nil || chat == nil || user == nil || user.IsBot {
		return true, nil
	}
	if chat.IsPrivate() {
		return true, nil
	}
	policy := p.s.GetRegistry().Get(chat.ID)
	if policy == nil || policy.ProbationHours <= 0 {
		return true, nil
	}

	record, err := p.s.GetDB().GetProbation(ctx, user.ID, chat.ID)
	if err != nil {
		return true, errors.WithMessage(err, "cant load probation record")
	}
	if record == nil {
		return true, nil
	}

	now := p.clock()
	if !now.Before(record.JoinedAt.Add(policy.ProbationDuration())) {
		if err := p.s.GetDB().DeleteProbation(ctx, user.ID, chat.ID); err != nil {
			return true, errors.WithMessage(err, "cant delete expired probation record")
		}
		return true, nil
	}

	if !p.isViolation(u.Message) {
		return true, nil
	}
	return false, p.punish(ctx, policy, u.Message, user, now)
}

// isViolation classifies a probation message. Any single marker is
// enough: forwarded origin, a link outside the allow-list, a reply
// quoting external content, or a shared story.
func (p *Probation) isViolation(msg *api.Message) bool {
	if msg.ForwardOrigin != nil {
		return true
	}
	if msg.ExternalReply != nil {
		return true
	}
	if msg.Story != nil {
		return true
	}
	for _, link := range extractLinks(msg) {
		if !hostAllowed(link, p.s.GetRegistry().LinkAllowlist()) {
			return true
		}
	}
	return false
}

// extractLinks collects urls from text and caption entities.
func extractLinks(msg *api.Message) []string {
	var links []string
	collect := func(text string, entities []api.MessageEntity) {
		for _, entity := range entities {
			switch entity.Type {
			case "url":
				// Entity offsets are in utf-16 code units.
				runes := utf16Slice(text, entity.Offset, entity.Length)
				if runes != "" {
					links = append(links, runes)
				}
			case "text_link":
				if entity.URL != "" {
					links = append(links, entity.URL)
				}
			}
		}
	}
	collect(msg.Text, msg.Entities)
	collect(msg.Caption, msg.CaptionEntities)
	return links
}

func utf16Slice(text string, offset, length int) string {
	units := make([]rune, 0, len(text))
	positions := make([]int, 0, len(text))
	pos := 0
	for _, r := range text {
		units = append(units, r)
		positions = append(positions, pos)
		if r > 0xFFFF {
			// Surrogate pair: occupies two utf-16 units.
			units = append(units, 0)
			positions = append(positions, pos)
		}
		pos += len(string(r))
	}
	if offset < 0 || offset+length > len(units) {
		return ""
	}
	var sb strings.Builder
	for i := offset; i < offset+length; i++ {
		if units[i] != 0 {
			sb.WriteRune(units[i])
		}
	}
	return sb.String()
}

// hostAllowed normalizes the raw link (assume https when the scheme is
// missing, strip port, lowercase) and tests the hostname and each
// dot-suffix against the allow-list. Equality or strict subdomain
// only: sub.example.org matches example.org, notexample.org and
// example.org.evil.net do not.
func hostAllowed(raw string, allowlist map[string]struct{}) bool {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}

	labels := strings.Split(host, ".")
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if _, ok := allowlist[suffix]; ok {
			return true
		}
	}
	return false
}

func (p *Probation) punish(ctx context.Context, policy *config.GroupPolicy, msg *api.Message, user *api.User, now time.Time) error {
	entry := log.WithFields(log.Fields{
		"handler":  "probation",
		"group_id": policy.GroupID,
		"user_id":  user.ID,
	})

	// Deleting the offending message is best-effort: a failed delete
	// must never stall the counting below.
	if err := p.gw.DeleteMessage(ctx, policy.GroupID, msg.MessageID); err != nil {
		entry.WithError(err).Warn("cant delete violating message")
	}

	record, err := p.s.GetDB().IncrementProbationViolation(ctx, user.ID, policy.GroupID, now)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// The record expired between the check and the increment.
			return nil
		}
		return errors.WithMessage(err, "cant record violation")
	}
	observability.RecordProbationViolation()
	entry = entry.WithField("violations", record.ViolationCount)

	switch {
	case record.ViolationCount == 1:
		text := fmt.Sprintf(
			i18n.Get("%s, links, forwards and quotes are not allowed during the first %s after joining. The message has been removed.", p.lang),
			mentionHTML(user),
			policy.ProbationDuration().String(),
		)
		p.broadcast(ctx, policy, text)

	case record.ViolationCount == policy.ViolationThreshold:
		if err := p.gw.Mute(ctx, user.ID, policy.GroupID); err != nil {
			entry.WithError(err).Error("cant mute over violation threshold")
			return nil
		}
		observability.RecordRestriction("probation")
		text := fmt.Sprintf(
			i18n.Get("%s has been restricted after %d probation violations.", p.lang),
			mentionHTML(user),
			record.ViolationCount,
		)
		p.broadcast(ctx, policy, text)

	default:
		// Between first warning and threshold, and past the threshold,
		// the message is removed silently.
		entry.Debug("violation recorded without broadcast")
	}
	return nil
}

func (p *Probation) broadcast(ctx context.Context, policy *config.GroupPolicy, text string) {
	if _, err := p.gw.SendMessage(ctx, policy.GroupID, policy.WarningTopicID, text, nil); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"handler":  "probation",
			"group_id": policy.GroupID,
		}).Warn("cant send probation notice")
	}
}
