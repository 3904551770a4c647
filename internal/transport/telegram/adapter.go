// Package telegram is the push channel backed by the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pushbot/internal/directory"
	rtsup "pushbot/internal/runtime/supervisor"
	logx "pushbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Proxy is an optional http(s) proxy URL for all Bot API calls.
	Proxy string
	// SendOnly skips getMe at startup and never polls, leaving /start
	// registration to another instance.
	SendOnly bool
}

// Registrar records users who talk to the bot.
type Registrar interface {
	Register(ctx context.Context, p directory.Profile) (directory.Recipient, bool, error)
}

// botAPI is the slice of *tele.Bot used for outbound messages.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	api botAPI
	reg Registrar

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := httpClient(cfg.Proxy, timeout)
	if err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Client:  client,
		Offline: cfg.SendOnly,
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, api: b}
	a.bot.Handle("/start", a.onStart)
	return a, nil
}

// httpClient must outlive the long poll, so its timeout leaves headroom above it.
func httpClient(proxy string, poll time.Duration) (*http.Client, error) {
	c := &http.Client{Timeout: poll + 30*time.Second}
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return c, nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("telegram: invalid proxy url %q", proxy)
	}
	c.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	return c, nil
}

// SetRegistrar wires /start to the recipient directory.
func (a *Adapter) SetRegistrar(r Registrar) {
	a.runMu.Lock()
	a.reg = r
	a.runMu.Unlock()
}

func (a *Adapter) registrar() Registrar {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.reg
}

// Start begins long polling for inbound commands. Outbound sends work without it.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running || a.cfg.SendOnly {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// Start blocks until Stop; restart it if it ever returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop never blocks shutdown for long on a pending getUpdates call.
func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return
	}

	sup.Cancel()
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
}

func (a *Adapter) onStart(c tele.Context) error {
	u := c.Sender()
	if u == nil {
		return nil
	}
	chatID := u.ID
	if ch := c.Chat(); ch != nil {
		chatID = ch.ID
	}
	reg := a.registrar()
	if reg == nil {
		return c.Send(greeting(u.FirstName, false, errors.New("directory not attached")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, created, err := reg.Register(ctx, directory.Profile{
		ChatID:    chatID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	})
	if err != nil {
		a.log.Error("register on /start failed", logx.Int64("chat_id", chatID), logx.Err(err))
	} else if created {
		a.log.Info("recipient registered", logx.Int64("chat_id", chatID), logx.String("username", u.Username))
	}
	return c.Send(greeting(rec.DisplayName(), created, err))
}

func greeting(name string, created bool, err error) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "there"
	}
	switch {
	case err != nil:
		return "Sorry, something went wrong. Please try again later."
	case created:
		return fmt.Sprintf("Welcome, %s!\nYou are registered and will receive messages from the administrators.", name)
	default:
		return fmt.Sprintf("Hello again, %s!\nYou are already registered and will keep receiving messages.", name)
	}
}
