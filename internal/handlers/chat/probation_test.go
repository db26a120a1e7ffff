package handlers

import (
	"context"
	"strings"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

func newTestProbation(t *testing.T) (*Probation, *fakeGateway) {
	t.Helper()
	s := testService(t, testPolicy(testGroupID))
	gw := &fakeGateway{}
	return NewProbation(s, gw, "en"), gw
}

func TestHostAllowedSuffixSemantics(t *testing.T) {
	t.Parallel()

	allowlist := map[string]struct{}{
		"github.com":  {},
		"example.org": {},
	}

	for _, tt := range []struct {
		link string
		want bool
	}{
		{"https://github.com/foo", true},
		{"https://sub.github.com/x", true},
		{"github.com/no-scheme", true},
		{"https://GITHUB.COM/upper", true},
		{"https://github.com:8443/with-port", true},
		{"https://evil-github.com/x", false},
		{"https://github.com.attacker.net/x", false},
		{"https://notexample.org/x", false},
		{"https://sub.example.org/x", true},
		{"https://example.org.evil.net/x", false},
	} {
		tt := tt
		t.Run(tt.link, func(t *testing.T) {
			t.Parallel()
			if got := hostAllowed(tt.link, allowlist); got != tt.want {
				t.Fatalf("hostAllowed(%q) = %t, want %t", tt.link, got, tt.want)
			}
		})
	}
}

func forwardedMessage(user *api.User, messageID int) *api.Update {
	return &api.Update{
		Message: &api.Message{
			MessageID:     messageID,
			From:          user,
			Chat:          api.Chat{ID: testGroupID, Type: "supergroup"},
			Text:          "take a look",
			Date:          int(time.Now().Unix()),
			ForwardOrigin: &api.MessageOrigin{Type: "channel"},
		},
	}
}

func linkMessage(user *api.User, link string) *api.Update {
	return &api.Update{
		Message: &api.Message{
			MessageID: 200,
			From:      user,
			Chat:      api.Chat{ID: testGroupID, Type: "supergroup"},
			Text:      link,
			Date:      int(time.Now().Unix()),
			Entities: []api.MessageEntity{
				{Type: "url", Offset: 0, Length: len(link)},
			},
		},
	}
}

func TestProbationEscalation(t *testing.T) {
	t.Parallel()

	p, gw := newTestProbation(t)
	ctx := context.Background()
	user := testUser(80)

	if err := p.s.GetDB().CreateProbation(ctx, 80, testGroupID, time.Now()); err != nil {
		t.Fatalf("create probation: %v", err)
	}

	violate := func(messageID int) bool {
		u := forwardedMessage(user, messageID)
		proceed, err := p.Handle(ctx, u, &u.Message.Chat, user)
		if err != nil {
			t.Fatalf("handle violation %d: %v", messageID, err)
		}
		return proceed
	}

	// Violation 1: delete + warning broadcast.
	if violate(1) {
		t.Fatal("violations must stop the handler chain")
	}
	if gw.deletedCount() != 1 {
		t.Fatalf("violating message must be deleted, got %d", gw.deletedCount())
	}
	if gw.sentCount() != 1 || !strings.Contains(gw.sent[0].text, "not allowed during the first") {
		t.Fatalf("first violation must broadcast a warning, got %#v", gw.sent)
	}

	// Violation 2: silent delete.
	violate(2)
	if gw.sentCount() != 1 {
		t.Fatalf("second violation must be silent, got %d notices", gw.sentCount())
	}
	if gw.muteCount() != 0 {
		t.Fatal("no mute before the violation threshold")
	}

	// Violation 3: mute + restriction broadcast.
	violate(3)
	if gw.muteCount() != 1 {
		t.Fatalf("threshold violation must mute, got %d", gw.muteCount())
	}
	if gw.sentCount() != 2 || !strings.Contains(gw.sent[1].text, "probation violations") {
		t.Fatalf("threshold violation must broadcast, got %#v", gw.sent)
	}

	// Violation 4: delete only, no extra broadcast or mute.
	violate(4)
	if gw.muteCount() != 1 || gw.sentCount() != 2 {
		t.Fatalf("past-threshold violations must be silent, mutes=%d notices=%d", gw.muteCount(), gw.sentCount())
	}
	if gw.deletedCount() != 4 {
		t.Fatalf("every violating message must be deleted, got %d", gw.deletedCount())
	}
}

func TestProbationExpiresLazily(t *testing.T) {
	t.Parallel()

	p, gw := newTestProbation(t)
	ctx := context.Background()
	user := testUser(81)

	joined := time.Now().Add(-73 * time.Hour) // window is 72h
	if err := p.s.GetDB().CreateProbation(ctx, 81, testGroupID, joined); err != nil {
		t.Fatalf("create probation: %v", err)
	}

	u := forwardedMessage(user, 1)
	proceed, err := p.Handle(ctx, u, &u.Message.Chat, user)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !proceed {
		t.Fatal("post-window messages must pass through")
	}
	if gw.deletedCount() != 0 || gw.muteCount() != 0 {
		t.Fatal("post-window messages must not be punished")
	}
	record, err := p.s.GetDB().GetProbation(ctx, 81, testGroupID)
	if err != nil {
		t.Fatalf("get probation: %v", err)
	}
	if record != nil {
		t.Fatal("expired record must be deleted lazily")
	}
}

func TestAllowlistedLinksPassProbation(t *testing.T) {
	t.Parallel()

	p, gw := newTestProbation(t)
	ctx := context.Background()
	user := testUser(82)

	if err := p.s.GetDB().CreateProbation(ctx, 82, testGroupID, time.Now()); err != nil {
		t.Fatalf("create probation: %v", err)
	}

	u := linkMessage(user, "https://github.com/some/repo")
	proceed, err := p.Handle(ctx, u, &u.Message.Chat, user)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !proceed || gw.deletedCount() != 0 {
		t.Fatal("allowlisted link must not be a violation")
	}

	u = linkMessage(user, "https://spam.example.xyz/offer")
	proceed, err = p.Handle(ctx, u, &u.Message.Chat, user)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if proceed || gw.deletedCount() != 1 {
		t.Fatal("non-allowlisted link must be removed")
	}
}

func TestUsersWithoutProbationRecordPass(t *testing.T) {
	t.Parallel()

	p, gw := newTestProbation(t)
	user := testUser(83)

	u := forwardedMessage(user, 1)
	proceed, err := p.Handle(context.Background(), u, &u.Message.Chat, user)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !proceed || gw.deletedCount() != 0 {
		t.Fatal("users off probation are not subject to content rules")
	}
}
