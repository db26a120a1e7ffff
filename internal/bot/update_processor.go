package bot

import (
	"context"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/observability"
)

const (
	UpdateTimeout = 5 * time.Minute
)

// EventKind is the closed classification the processor derives from a
// raw update before handlers see it.
type EventKind string

const (
	EventJoin          EventKind = "join"           // new chat members or left->member transition
	EventLeave         EventKind = "leave"          // member->left/kicked transition
	EventGroupMessage  EventKind = "group_message"  // message in a monitored group
	EventDirectMessage EventKind = "direct_message" // private chat message
	EventCallback      EventKind = "callback"       // inline keyboard press
	EventIgnored       EventKind = "ignored"
)

type UpdateProcessor struct {
	s              Service
	updateHandlers []Handler
}

var registeredHandlers = make(map[string]Handler)

func RegisterUpdateHandler(title string, handler Handler) {
	registeredHandlers[title] = handler
}

func NewUpdateProcessor(s Service) *UpdateProcessor {
	enabledHandlers := make([]Handler, 0)
	for _, handlerName := range config.Get().EnabledHandlers {
		if _, ok := registeredHandlers[handlerName]; !ok || registeredHandlers[handlerName] == nil {
			log.Warnf("no registered handler: %s", handlerName)
			continue
		}
		enabledHandlers = append(enabledHandlers, registeredHandlers[handlerName])
	}

	return &UpdateProcessor{
		s:              s,
		updateHandlers: enabledHandlers,
	}
}

func (up *UpdateProcessor) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		done := observability.StartUpdateProcessing()

		var updateTime time.Time
		switch {
		case u.Message != nil:
			updateTime = time.Unix(int64(u.Message.Date), 0)
		case u.EditedMessage != nil:
			updateTime = time.Unix(int64(u.EditedMessage.Date), 0)
		case u.ChatMember != nil:
			updateTime = time.Unix(int64(u.ChatMember.Date), 0)
		default:
			updateTime = time.Now()
		}

		if time.Since(updateTime) > UpdateTimeout {
			log.WithFields(log.Fields{
				"update_time": updateTime,
				"age":         time.Since(updateTime),
			}).Debug("Skipping outdated update")
			done("outdated")
			return nil
		}

		if ClassifyUpdate(u) == EventIgnored {
			done("ignored")
			return nil
		}

		chat := u.FromChat()
		if chat == nil {
			switch {
			case u.ChatJoinRequest != nil:
				chat = &u.ChatJoinRequest.Chat
			case u.MyChatMember != nil:
				chat = &u.MyChatMember.Chat
			case u.ChatMember != nil:
				chat = &u.ChatMember.Chat
			}
		}

		user := u.SentFrom()
		if user == nil {
			switch {
			case u.ChatJoinRequest != nil:
				user = &u.ChatJoinRequest.From
			case u.MyChatMember != nil:
				user = &u.MyChatMember.From
			case u.ChatMember != nil:
				user = &u.ChatMember.From
			}
		}

		for _, handler := range up.updateHandlers {
			if handler == nil {
				continue
			}
			select {
			case <-ctx.Done():
				done("canceled")
				return ctx.Err()
			default:
				proceed, err := handler.Handle(ctx, u, chat, user)
				if err != nil {
					done("error")
					return errors.WithMessage(err, "handling error")
				}
				if !proceed {
					log.Trace("not proceeding")
					done("handled")
					return nil
				}
			}
		}
		done("passed")
		return nil
	}
}

// ClassifyUpdate maps a raw update onto the event kinds moderation
// cares about. Anything else is ignored.
func ClassifyUpdate(u *api.Update) EventKind {
	switch {
	case u == nil:
		return EventIgnored
	case u.CallbackQuery != nil:
		return EventCallback
	case u.ChatMember != nil:
		from := u.ChatMember.OldChatMember.Status
		to := u.ChatMember.NewChatMember.Status
		if (from == "left" || from == "kicked") && (to == "member" || to == "restricted") {
			return EventJoin
		}
		if (from == "member" || from == "restricted") && (to == "left" || to == "kicked") {
			return EventLeave
		}
		return EventIgnored
	case u.Message != nil && len(u.Message.NewChatMembers) > 0:
		return EventJoin
	case u.Message != nil && u.Message.Chat.IsPrivate():
		return EventDirectMessage
	case u.Message != nil && (u.Message.Chat.IsGroup() || u.Message.Chat.IsSuperGroup()):
		return EventGroupMessage
	default:
		return EventIgnored
	}
}

func GetUpdatesChans(ctx context.Context, bot *api.BotAPI, config api.UpdateConfig) (api.UpdatesChannel, chan error) {
	ch := make(chan api.Update, bot.Buffer)
	chErr := make(chan error)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			select {
			case <-ctx.Done():
				chErr <- ctx.Err()
				return
			default:
				updates, err := bot.GetUpdates(config)
				if err != nil {
					chErr <- err
					return
				}

				for _, update := range updates {
					if update.UpdateID >= config.Offset {
						config.Offset = update.UpdateID + 1
						select {
						case ch <- update:
						case <-ctx.Done():
							chErr <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return ch, chErr
}

func GetUN(user *api.User) string {
	if user == nil {
		return ""
	}
	userName := user.UserName
	if len(userName) == 0 {
		userName = user.FirstName + " " + user.LastName
		userName = strings.TrimSpace(userName)
	}
	return userName
}

func GetFullName(user *api.User) string {
	if user == nil {
		return ""
	}
	fullName := user.FirstName + " " + user.LastName
	fullName = strings.TrimSpace(fullName)
	if len(fullName) == 0 {
		fullName = user.UserName
	}
	return fullName
}
