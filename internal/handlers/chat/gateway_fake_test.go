package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db/sqlite"
	"github.com/profilewarden/warden/internal/telegram"
)

type muteCall struct {
	userID int64
	chatID int64
}

type sentMessage struct {
	chatID  int64
	topicID int
	text    string
	markup  *api.InlineKeyboardMarkup
}

type editedMessage struct {
	chatID    int64
	messageID int
	text      string
}

type deletedMessage struct {
	chatID    int64
	messageID int
}

type answeredCallback struct {
	id        string
	text      string
	showAlert bool
}

// fakeGateway records every platform call and answers from canned
// state. Zero value is usable: all calls succeed.
type fakeGateway struct {
	mutex sync.Mutex

	mutes     []muteCall
	unmutes   []muteCall
	sent      []sentMessage
	edited    []editedMessage
	deleted   []deletedMessage
	answered  []answeredCallback
	nextMsgID int

	muteErr   error
	unmuteErr error
	sendErr   error
	deleteErr error

	statuses map[int64]map[int64]telegram.MemberStatus // chatID -> userID
	photos   map[int64]int
}

func (f *fakeGateway) Mute(ctx context.Context, userID, chatID int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.muteErr != nil {
		return f.muteErr
	}
	f.mutes = append(f.mutes, muteCall{userID, chatID})
	return nil
}

func (f *fakeGateway) Unmute(ctx context.Context, userID, chatID int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.unmuteErr != nil {
		return f.unmuteErr
	}
	f.unmutes = append(f.unmutes, muteCall{userID, chatID})
	return nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, chatID int64, topicID int, text string, markup *api.InlineKeyboardMarkup) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextMsgID++
	f.sent = append(f.sent, sentMessage{chatID, topicID, text, markup})
	return f.nextMsgID, nil
}

func (f *fakeGateway) EditMessage(ctx context.Context, chatID int64, messageID int, text string, markup *api.InlineKeyboardMarkup) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.edited = append(f.edited, editedMessage{chatID, messageID, text})
	return nil
}

func (f *fakeGateway) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, deletedMessage{chatID, messageID})
	return nil
}

func (f *fakeGateway) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.answered = append(f.answered, answeredCallback{callbackID, text, showAlert})
	return nil
}

func (f *fakeGateway) GetMembershipStatus(ctx context.Context, chatID, userID int64) (telegram.MemberStatus, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if statuses, ok := f.statuses[chatID]; ok {
		if status, ok := statuses[userID]; ok {
			return status, nil
		}
	}
	return telegram.StatusMember, nil
}

func (f *fakeGateway) GetAdministrators(ctx context.Context, chatID int64) ([]api.ChatMember, error) {
	return nil, nil
}

func (f *fakeGateway) CountProfilePhotos(ctx context.Context, userID int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.photos[userID], nil
}

func (f *fakeGateway) setStatus(chatID, userID int64, status telegram.MemberStatus) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[int64]map[int64]telegram.MemberStatus)
	}
	if f.statuses[chatID] == nil {
		f.statuses[chatID] = make(map[int64]telegram.MemberStatus)
	}
	f.statuses[chatID][userID] = status
}

func (f *fakeGateway) muteCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.mutes)
}

func (f *fakeGateway) unmuteCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.unmutes)
}

func (f *fakeGateway) sentCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.sent)
}

func (f *fakeGateway) deletedCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.deleted)
}

func testPolicy(groupID int64) config.GroupPolicy {
	return config.GroupPolicy{
		GroupID:                 groupID,
		WarningTopicID:          7,
		Enforce:                 true,
		WarningThreshold:        3,
		WarningTimeThresholdMin: 180,
		ChallengeEnabled:        true,
		ChallengeTimeoutSec:     120,
		ProbationHours:          72,
		ViolationThreshold:      3,
	}
}

func testService(t *testing.T, policies ...config.GroupPolicy) bot.Service {
	t.Helper()
	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	registry, err := config.NewGroupRegistry(policies, nil)
	if err != nil {
		t.Fatalf("new group registry: %v", err)
	}
	return bot.NewService(nil, client, registry)
}

func testUser(id int64) *api.User {
	return &api.User{
		ID:        id,
		FirstName: "Test",
		LastName:  fmt.Sprintf("User%d", id),
		UserName:  fmt.Sprintf("testuser%d", id),
	}
}
