package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"pushbot/internal/channel"
)

// unreachable lists API errors meaning the chat will never accept our messages.
var unreachable = []struct {
	err    *tele.Error
	reason string
}{
	{tele.ErrBlockedByUser, "bot blocked by user"},
	{tele.ErrUserIsDeactivated, "user deactivated"},
	{tele.ErrChatNotFound, "chat not found"},
	{tele.ErrKickedFromGroup, "bot kicked from chat"},
	{tele.ErrNotStartedByUser, "user has not started the bot"},
}

// Unrecognized API errors only carry their code in the text, e.g. "telegram: Bad Request: ... (400)".
var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

// classify maps a Bot API error onto the channel error contract.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channel.Transient(err, 0)
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return channel.Transient(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	for _, u := range unreachable {
		if errors.Is(err, u.err) {
			return channel.Permanent(fmt.Errorf("%w: %v", channel.ErrUnreachable, err), u.reason)
		}
	}

	switch code := errorCode(err); {
	case code == 429, code >= 500:
		return channel.Transient(err, 0)
	case code >= 400:
		return channel.Permanent(err, err.Error())
	}

	// network failures and anything unrecognized are retried
	return channel.Transient(err, 0)
}

func errorCode(err error) int {
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code
	}
	m := codeSuffix.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
