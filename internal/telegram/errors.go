package telegram

import (
	"strings"

	"github.com/pkg/errors"
)

// Sentinel kinds for API failures. Handlers branch on these to decide
// between retry, skip, and permanent-failure paths.
var (
	// ErrForbidden covers permission failures: the bot was blocked by
	// the user, lacks rights in the chat, or cannot initiate a DM.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound covers targets that no longer exist: deleted
	// messages, users who left, unknown chats.
	ErrNotFound = errors.New("not found")
)

var forbiddenMarkers = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"not enough rights",
	"bot can't initiate conversation",
	"bot is not a member",
	"have no rights",
	"CHAT_WRITE_FORBIDDEN",
	"forbidden",
}

var notFoundMarkers = []string{
	"message to delete not found",
	"message to edit not found",
	"message can't be deleted",
	"chat not found",
	"user not found",
	"PARTICIPANT_ID_INVALID",
	"USER_ID_INVALID",
}

// classify wraps err with a matchable sentinel. The API reports
// failures as bare strings, so kind detection is substring based;
// anything unrecognized passes through as-is and is treated as
// transient by callers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range forbiddenMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return errors.WithMessage(ErrForbidden, err.Error())
		}
	}
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return errors.WithMessage(ErrNotFound, err.Error())
		}
	}
	return err
}
