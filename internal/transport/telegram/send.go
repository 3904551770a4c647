package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"pushbot/internal/campaign"
	"pushbot/internal/channel"
	"pushbot/internal/delivery"
	logx "pushbot/pkg/logx"
)

var _ channel.Channel = (*Adapter)(nil)

// Send delivers content to chatID. A media message the API refuses is retried
// once as plain text carrying the media link, unless the refusal was a flood
// limit or the recipient is unreachable.
func (a *Adapter) Send(ctx context.Context, chatID int64, c campaign.Content) (delivery.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return delivery.MessageRef{}, err
	}
	chat := tele.ChatID(chatID)
	opts := sendOptions(c)

	var (
		msg *tele.Message
		err error
	)
	if what := mediaFor(c); what != nil {
		msg, err = a.api.Send(chat, what, opts)
		if err != nil && canFallBack(err) && ctx.Err() == nil {
			a.log.Warn("media send failed; sending as text",
				logx.Int64("chat_id", chatID),
				logx.String("kind", string(c.Kind)),
				logx.Err(err))
			msg, err = a.api.Send(chat, fallbackText(c), opts)
		}
	} else {
		msg, err = a.api.Send(chat, c.Body, opts)
	}
	if err != nil {
		return delivery.MessageRef{}, classify(err)
	}
	if msg == nil {
		return delivery.MessageRef{}, channel.Transient(errors.New("telegram: empty send response"), 0)
	}
	return delivery.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

// Delete removes a message we sent earlier.
func (a *Adapter) Delete(ctx context.Context, ref delivery.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.api.Delete(tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID})
	return classify(err)
}

// SendLog implements logx.Sender for the admin log chat.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.api.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return classify(err)
}

func sendOptions(c campaign.Content) *tele.SendOptions {
	opts := &tele.SendOptions{}
	if c.Render == campaign.RenderMarkdown {
		opts.ParseMode = tele.ModeMarkdownV2
	}
	if rm := markup(c.Buttons); rm != nil {
		opts.ReplyMarkup = rm
	}
	return opts
}

// markup lays out one URL button per row.
func markup(buttons []campaign.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, rm.Row(rm.URL(b.Label, b.URL)))
	}
	rm.Inline(rows...)
	return rm
}

func mediaFile(ref string) tele.File {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

// mediaFor returns the attachment for media kinds, nil for text.
func mediaFor(c campaign.Content) tele.Sendable {
	switch c.Kind {
	case campaign.KindPhoto:
		return &tele.Photo{File: mediaFile(c.Media), Caption: c.Body}
	case campaign.KindVideo:
		return &tele.Video{File: mediaFile(c.Media), Caption: c.Body}
	case campaign.KindDocument:
		return &tele.Document{File: mediaFile(c.Media), Caption: c.Body}
	case campaign.KindAudio:
		return &tele.Audio{File: mediaFile(c.Media), Caption: c.Body}
	}
	return nil
}

var kindLabels = map[campaign.Kind]string{
	campaign.KindPhoto:    "Photo",
	campaign.KindVideo:    "Video",
	campaign.KindDocument: "Document",
	campaign.KindAudio:    "Audio",
}

// fallbackText is the text stand-in for a media message.
func fallbackText(c campaign.Content) string {
	label := "[" + kindLabels[c.Kind] + "]"
	media := c.Media
	if c.Render == campaign.RenderMarkdown {
		label = escapeMarkdown(label)
		media = escapeMarkdown(media)
	}
	return label + " " + c.Body + "\n" + media
}

const markdownSpecials = "_*[]()~`>#+-=|{}.!\\"

// escapeMarkdown escapes text for MarkdownV2 outside of entities.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func canFallBack(err error) bool {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(classify(err), channel.ErrUnreachable)
}
