package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"pushbot/internal/campaign"
	"pushbot/internal/channel"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
	logx "pushbot/pkg/logx"
)

type sent struct {
	to   tele.Recipient
	what interface{}
	opts *tele.SendOptions
}

type fakeBot struct {
	sent    []sent
	deleted []tele.StoredMessage
	errs    []error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	s := sent{to: to, what: what}
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			s.opts = so
		}
	}
	f.sent = append(f.sent, s)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &tele.Message{ID: 100 + len(f.sent)}, nil
}

func (f *fakeBot) Delete(msg tele.Editable) error {
	f.deleted = append(f.deleted, msg.(tele.StoredMessage))
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func newTestAdapter(bot *fakeBot) *Adapter {
	return &Adapter{log: logx.Nop(), api: bot}
}

func TestSendText(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	a := newTestAdapter(bot)
	ref, err := a.Send(context.Background(), 42, campaign.Content{
		Kind:    campaign.KindText,
		Body:    "*hi*",
		Render:  campaign.RenderMarkdown,
		Buttons: []campaign.Button{{Label: "Open", URL: "https://example.com"}, {Label: "Docs", URL: "https://example.com/docs"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref != (delivery.MessageRef{ChatID: 42, MessageID: 101}) {
		t.Fatalf("ref = %+v", ref)
	}
	s := bot.sent[0]
	if s.to.Recipient() != "42" || s.what != "*hi*" {
		t.Fatalf("sent %v to %s", s.what, s.to.Recipient())
	}
	if s.opts.ParseMode != tele.ModeMarkdownV2 {
		t.Fatalf("ParseMode = %q, want %q", s.opts.ParseMode, tele.ModeMarkdownV2)
	}
	kb := s.opts.ReplyMarkup.InlineKeyboard
	if len(kb) != 2 || len(kb[0]) != 1 || kb[0][0].Text != "Open" || kb[1][0].URL != "https://example.com/docs" {
		t.Fatalf("keyboard = %+v", kb)
	}
}

// caption reports the caption of a media value and whether it is of the expected kind.
func caption(kind campaign.Kind, v interface{}) (string, bool) {
	switch m := v.(type) {
	case *tele.Photo:
		return m.Caption, kind == campaign.KindPhoto && m.FileURL == "https://x/y.jpg"
	case *tele.Video:
		return m.Caption, kind == campaign.KindVideo
	case *tele.Document:
		return m.Caption, kind == campaign.KindDocument
	case *tele.Audio:
		return m.Caption, kind == campaign.KindAudio
	}
	return "", false
}

func TestSendMediaKinds(t *testing.T) {
	t.Parallel()
	kinds := []campaign.Kind{campaign.KindPhoto, campaign.KindVideo, campaign.KindDocument, campaign.KindAudio}
	for _, kind := range kinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			bot := &fakeBot{}
			a := newTestAdapter(bot)
			if _, err := a.Send(context.Background(), 1, campaign.Content{Kind: kind, Body: "cap", Media: "https://x/y.jpg"}); err != nil {
				t.Fatal(err)
			}
			if len(bot.sent) != 1 {
				t.Fatalf("sends = %d, want 1", len(bot.sent))
			}
			if c, ok := caption(kind, bot.sent[0].what); !ok || c != "cap" {
				t.Fatalf("sent %#v, want %s with caption", bot.sent[0].what, kind)
			}
			if bot.sent[0].opts.ParseMode != "" || bot.sent[0].opts.ReplyMarkup != nil {
				t.Fatalf("opts = %+v, want plain without markup", bot.sent[0].opts)
			}
		})
	}
}

func TestMediaFileID(t *testing.T) {
	t.Parallel()
	p, ok := mediaFor(campaign.Content{Kind: campaign.KindPhoto, Media: "AgACAgQAAx0"}).(*tele.Photo)
	if !ok || p.FileID != "AgACAgQAAx0" || p.FileURL != "" {
		t.Fatalf("photo = %+v", p)
	}
	if mediaFor(campaign.Content{Kind: campaign.KindText}) != nil {
		t.Fatal("text content produced media")
	}
}

func TestSendMediaFallsBackToText(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{errs: []error{tele.NewError(400, "Bad Request: wrong file identifier/HTTP URL specified")}}
	a := newTestAdapter(bot)
	ref, err := a.Send(context.Background(), 7, campaign.Content{Kind: campaign.KindPhoto, Body: "sale", Media: "https://x/p.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 2 || ref.MessageID != 102 {
		t.Fatalf("sends = %d ref = %+v, want 2 sends", len(bot.sent), ref)
	}
	if got, want := bot.sent[1].what, "[Photo] sale\nhttps://x/p.jpg"; got != want {
		t.Fatalf("fallback = %q, want %q", got, want)
	}
}

func TestSendNoFallbackWhenBlocked(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{errs: []error{tele.ErrBlockedByUser}}
	a := newTestAdapter(bot)
	_, err := a.Send(context.Background(), 7, campaign.Content{Kind: campaign.KindVideo, Body: "x", Media: "https://x/v.mp4"})
	if len(bot.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(bot.sent))
	}
	if !channel.IsPermanent(err) || !errors.Is(err, channel.ErrUnreachable) {
		t.Fatalf("err = %v, want permanent unreachable", err)
	}
	if channel.Reason(err) != "bot blocked by user" {
		t.Fatalf("reason = %q", channel.Reason(err))
	}
}

func TestSendNoFallbackOnFlood(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{errs: []error{tele.FloodError{RetryAfter: 3}}}
	a := newTestAdapter(bot)
	_, err := a.Send(context.Background(), 7, campaign.Content{Kind: campaign.KindPhoto, Body: "x", Media: "https://x/p.jpg"})
	if len(bot.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(bot.sent))
	}
	if !channel.IsTransient(err) || channel.RetryAfterHint(err) != 3*time.Second {
		t.Fatalf("transient=%v hint=%s, want true/3s", channel.IsTransient(err), channel.RetryAfterHint(err))
	}
}

func TestFallbackTextMarkdown(t *testing.T) {
	t.Parallel()
	got := fallbackText(campaign.Content{Kind: campaign.KindDocument, Body: "*terms*", Media: "https://x.io/a-b.pdf", Render: campaign.RenderMarkdown})
	want := "\\[Document\\] *terms*\nhttps://x\\.io/a\\-b\\.pdf"
	if got != want {
		t.Fatalf("fallbackText = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		err         error
		transient   bool
		permanent   bool
		unreachable bool
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, permanent: true, unreachable: true},
		{name: "deactivated", err: tele.ErrUserIsDeactivated, permanent: true, unreachable: true},
		{name: "chat not found", err: tele.ErrChatNotFound, permanent: true, unreachable: true},
		{name: "bad request", err: errors.New("telegram: Bad Request: message is too long (400)"), permanent: true},
		{name: "api error code", err: tele.NewError(400, "Bad Request: can't parse entities"), permanent: true},
		{name: "server error", err: tele.NewError(502, "Bad Gateway"), transient: true},
		{name: "server error text", err: errors.New("telegram: Internal Server Error (500)"), transient: true},
		{name: "network", err: errors.New("dial tcp: connection reset by peer"), transient: true},
		{name: "deadline", err: context.DeadlineExceeded, transient: true},
		{name: "canceled", err: context.Canceled},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if channel.IsTransient(got) != tt.transient {
				t.Fatalf("IsTransient = %v, want %v", channel.IsTransient(got), tt.transient)
			}
			if channel.IsPermanent(got) != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v", channel.IsPermanent(got), tt.permanent)
			}
			if errors.Is(got, channel.ErrUnreachable) != tt.unreachable {
				t.Fatalf("unreachable = %v, want %v", !tt.unreachable, tt.unreachable)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	a := newTestAdapter(bot)
	if err := a.Delete(context.Background(), delivery.MessageRef{ChatID: 5, MessageID: 77}); err != nil {
		t.Fatal(err)
	}
	if got := bot.deleted[0]; got.ChatID != 5 || got.MessageID != "77" {
		t.Fatalf("deleted = %+v", got)
	}
}

func TestGreeting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		first   string
		created bool
		err     error
		want    string
	}{
		{name: "new", first: "Ana", created: true, want: "Welcome, Ana!\nYou are registered and will receive messages from the administrators."},
		{name: "returning", first: "Ana", want: "Hello again, Ana!\nYou are already registered and will keep receiving messages."},
		{name: "no name", created: true, want: "Welcome, there!\nYou are registered and will receive messages from the administrators."},
		{name: "username only", first: directory.Recipient{ChatID: 5, Username: "ana"}.DisplayName(), want: "Hello again, @ana!\nYou are already registered and will keep receiving messages."},
		{name: "error", first: "Ana", err: errors.New("db down"), want: "Sorry, something went wrong. Please try again later."},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := greeting(tt.first, tt.created, tt.err); got != tt.want {
				t.Fatalf("greeting = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPClientProxy(t *testing.T) {
	t.Parallel()
	if _, err := httpClient("::bad", time.Second); err == nil {
		t.Fatal("invalid proxy accepted")
	}
	c, err := httpClient("http://127.0.0.1:8080", 10*time.Second)
	if err != nil || c.Transport == nil || c.Timeout != 40*time.Second {
		t.Fatalf("client = %+v, %v", c, err)
	}
}

func TestNewSendOnly(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	a, err := New(Config{Token: "123:abc", SendOnly: true}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Start(ctx)
	if a.sup != nil || a.running {
		t.Fatal("send-only adapter started polling")
	}
	a.Stop(ctx)
}
