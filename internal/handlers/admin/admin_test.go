package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db"
	"github.com/profilewarden/warden/internal/db/sqlite"
	chat "github.com/profilewarden/warden/internal/handlers/chat"
	"github.com/profilewarden/warden/internal/telegram"
)

const (
	groupA = int64(-100100)
	groupB = int64(-100200)

	adminID = int64(7)
)

type sentMessage struct {
	chatID int64
	text   string
	markup *api.InlineKeyboardMarkup
}

// fakeGateway records the calls the admin handler makes. Unmute can be
// made to fail per group.
type fakeGateway struct {
	mutex sync.Mutex

	unmutes    []int64
	sent       []sentMessage
	answered   []string
	unmuteErrs map[int64]error
	statuses   map[int64]telegram.MemberStatus // by chatID
	photos     map[int64]int
}

func (f *fakeGateway) Mute(ctx context.Context, userID, chatID int64) error { return nil }

func (f *fakeGateway) Unmute(ctx context.Context, userID, chatID int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if err := f.unmuteErrs[chatID]; err != nil {
		return err
	}
	f.unmutes = append(f.unmutes, chatID)
	return nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, chatID int64, topicID int, text string, markup *api.InlineKeyboardMarkup) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, sentMessage{chatID, text, markup})
	return len(f.sent), nil
}

func (f *fakeGateway) EditMessage(ctx context.Context, chatID int64, messageID int, text string, markup *api.InlineKeyboardMarkup) error {
	return nil
}

func (f *fakeGateway) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return nil
}

func (f *fakeGateway) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.answered = append(f.answered, text)
	return nil
}

func (f *fakeGateway) GetMembershipStatus(ctx context.Context, chatID, userID int64) (telegram.MemberStatus, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if status, ok := f.statuses[chatID]; ok {
		return status, nil
	}
	return telegram.StatusMember, nil
}

func (f *fakeGateway) GetAdministrators(ctx context.Context, chatID int64) ([]api.ChatMember, error) {
	return []api.ChatMember{{User: &api.User{ID: adminID}}}, nil
}

func (f *fakeGateway) CountProfilePhotos(ctx context.Context, userID int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.photos[userID], nil
}

func (f *fakeGateway) sentTo(chatID int64) []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var texts []string
	for _, m := range f.sent {
		if m.chatID == chatID {
			texts = append(texts, m.text)
		}
	}
	return texts
}

func newTestAdmin(t *testing.T) (*Admin, *fakeGateway) {
	t.Helper()

	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	policy := func(groupID int64) config.GroupPolicy {
		return config.GroupPolicy{
			GroupID:                 groupID,
			Enforce:                 true,
			WarningThreshold:        3,
			WarningTimeThresholdMin: 180,
			ChallengeTimeoutSec:     120,
			ProbationHours:          72,
			ViolationThreshold:      3,
		}
	}
	policies := []config.GroupPolicy{policy(groupA), policy(groupB)}
	registry, err := config.NewGroupRegistry(policies, nil)
	if err != nil {
		t.Fatalf("new group registry: %v", err)
	}
	s := bot.NewService(nil, client, registry)

	gw := &fakeGateway{}
	admins := chat.NewAdminCache()
	admins.Refresh(context.Background(), gw, registry)
	return NewAdmin(s, gw, admins, "en"), gw
}

func seedRestriction(t *testing.T, a *Admin, userID, groupID int64) {
	t.Helper()
	ctx := context.Background()
	record := &db.WarningRecord{
		UserID:        userID,
		GroupID:       groupID,
		MessageCount:  3,
		FirstWarnedAt: time.Now().Add(-time.Hour),
		LastMessageAt: time.Now().Add(-time.Hour),
	}
	if _, err := a.s.GetDB().CreateWarning(ctx, record); err != nil {
		t.Fatalf("seed warning: %v", err)
	}
	if err := a.s.GetDB().MarkWarningRestricted(ctx, userID, groupID, true); err != nil {
		t.Fatalf("mark restricted: %v", err)
	}
}

func TestParseAdminCallback(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		data   string
		action string
		id     int64
		extra  string
		ok     bool
	}{
		{"verify:42", "verify", 42, "", true},
		{"unverify:42", "unverify", 42, "", true},
		{"warn:42:profile photo", "warn", 42, "profile photo", true},
		{"warn:42", "", 0, "", false},
		{"verify:", "", 0, "", false},
		{"verify:abc", "", 0, "", false},
		{"ban:42", "", 0, "", false},
		{"42;token", "", 0, "", false}, // verification payloads use another separator
		{"", "", 0, "", false},
	} {
		tt := tt
		t.Run(tt.data, func(t *testing.T) {
			t.Parallel()
			action, id, extra, ok := parseAdminCallback(tt.data)
			if ok != tt.ok || action != tt.action || id != tt.id || extra != tt.extra {
				t.Fatalf("parseAdminCallback(%q) = %q, %d, %q, %t", tt.data, action, id, extra, ok)
			}
		})
	}
}

func TestVerifyClearsRecordsAndAnnounces(t *testing.T) {
	t.Parallel()

	a, gw := newTestAdmin(t)
	ctx := context.Background()
	seedRestriction(t, a, 42, groupA)
	seedRestriction(t, a, 42, groupB)

	if err := a.verify(ctx, adminID, 42, adminID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if len(gw.unmutes) != 2 {
		t.Fatalf("want unmute in both groups, got %v", gw.unmutes)
	}
	allowlisted, err := a.s.GetDB().IsAllowlisted(ctx, 42)
	if err != nil || !allowlisted {
		t.Fatalf("target must be allowlisted: %t %v", allowlisted, err)
	}
	if groups, _ := a.s.GetDB().GetBotRestrictedGroups(ctx, 42); len(groups) != 0 {
		t.Fatal("all records must be gone after clearance")
	}
	for _, groupID := range []int64{groupA, groupB} {
		notices := gw.sentTo(groupID)
		if len(notices) != 1 || !strings.Contains(notices[0], "manually verified") {
			t.Fatalf("want clearance notice in %d, got %v", groupID, notices)
		}
	}
	replies := gw.sentTo(adminID)
	if len(replies) != 1 || !strings.Contains(replies[0], "2 warning record(s) cleared") {
		t.Fatalf("want admin summary, got %v", replies)
	}
}

func TestVerifyKeepsRecordsWhereUnmuteFails(t *testing.T) {
	t.Parallel()

	a, gw := newTestAdmin(t)
	ctx := context.Background()
	seedRestriction(t, a, 43, groupA)
	seedRestriction(t, a, 43, groupB)
	gw.unmuteErrs = map[int64]error{groupB: fmt.Errorf("rights missing")}

	if err := a.verify(ctx, adminID, 43, adminID); err != nil {
		t.Fatalf("verify: %v", err)
	}

	groups, err := a.s.GetDB().GetBotRestrictedGroups(ctx, 43)
	if err != nil || len(groups) != 1 || groups[0] != groupB {
		t.Fatalf("failed group must keep its record, got %v %v", groups, err)
	}
	if notices := gw.sentTo(groupB); len(notices) != 0 {
		t.Fatalf("failed group must not be announced, got %v", notices)
	}
	if notices := gw.sentTo(groupA); len(notices) != 1 {
		t.Fatalf("cleared group must be announced, got %v", notices)
	}

	// Re-run after the transient failure clears.
	gw.unmuteErrs = nil
	if err := a.verify(ctx, adminID, 43, adminID); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if groups, _ := a.s.GetDB().GetBotRestrictedGroups(ctx, 43); len(groups) != 0 {
		t.Fatal("re-run must finish the clearance")
	}
}

func TestUnverifyReportsUnknownUsers(t *testing.T) {
	t.Parallel()

	a, gw := newTestAdmin(t)
	ctx := context.Background()

	if err := a.unverify(ctx, adminID, 44); err != nil {
		t.Fatalf("unverify: %v", err)
	}
	replies := gw.sentTo(adminID)
	if len(replies) != 1 || !strings.Contains(replies[0], "not on the allowlist") {
		t.Fatalf("want informational reply, got %v", replies)
	}

	entry := &db.AllowlistEntry{UserID: 44, ApprovedBy: adminID, ApprovedAt: time.Now()}
	if err := a.s.GetDB().AddAllowlistEntry(ctx, entry); err != nil {
		t.Fatalf("allowlist: %v", err)
	}
	if err := a.unverify(ctx, adminID, 44); err != nil {
		t.Fatalf("unverify: %v", err)
	}
	if allowlisted, _ := a.s.GetDB().IsAllowlisted(ctx, 44); allowlisted {
		t.Fatal("entry must be removed")
	}
}

func TestCommandsIgnoreNonAdmins(t *testing.T) {
	t.Parallel()

	a, gw := newTestAdmin(t)
	outsider := &api.User{ID: 999, UserName: "outsider"}
	u := &api.Update{
		Message: &api.Message{
			MessageID: 1,
			From:      outsider,
			Chat:      api.Chat{ID: 999, Type: "private"},
			Text:      "/verify 42",
			Entities:  []api.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}},
			Date:      int(time.Now().Unix()),
		},
	}

	proceed, err := a.Handle(context.Background(), u, &u.Message.Chat, outsider)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !proceed {
		t.Fatal("non-admin commands must fall through to the dm flow")
	}
	if len(gw.sent) != 0 {
		t.Fatalf("non-admins get no admin reply, got %v", gw.sent)
	}
}

func TestCheckOffersContextualButtons(t *testing.T) {
	t.Parallel()

	a, gw := newTestAdmin(t)
	ctx := context.Background()

	if err := a.check(ctx, adminID, 45); err != nil {
		t.Fatalf("check: %v", err)
	}
	replies := gw.sentTo(adminID)
	if len(replies) != 1 || !strings.Contains(replies[0], "Allowlisted: false") {
		t.Fatalf("want check report, got %v", replies)
	}
	markup := gw.sent[0].markup
	if markup == nil || len(markup.InlineKeyboard) != 2 {
		t.Fatalf("zero-photo unverified user gets warn + verify buttons, got %#v", markup)
	}
	if got := markup.InlineKeyboard[0][0].CallbackData; got == nil || *got != "warn:45:profile photo" {
		t.Fatalf("want warn button, got %v", got)
	}
	if got := markup.InlineKeyboard[1][0].CallbackData; got == nil || *got != "verify:45" {
		t.Fatalf("want verify button, got %v", got)
	}
}
