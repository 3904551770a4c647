package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pushbot/internal/campaign"
	"pushbot/internal/channel"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
	"pushbot/internal/eventbus"
	"pushbot/internal/runtime/supervisor"
	logx "pushbot/pkg/logx"
)

type Config struct {
	Enabled              bool
	Workers              int
	RatePerSec           int
	Burst                int
	PerRecipientInterval time.Duration
	MaxAttempts          int
	RetryBase            time.Duration
	RetryMaxDelay        time.Duration
	RetryJitter          float64
	SendTimeout          time.Duration
	ProgressEvery        int
	DirectoryBackoff     time.Duration
	DirectoryMaxBackoff  time.Duration
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.PerRecipientInterval < 0 {
		c.PerRecipientInterval = 0
	} else if c.PerRecipientInterval == 0 {
		c.PerRecipientInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 50
	}
	if c.DirectoryBackoff <= 0 {
		c.DirectoryBackoff = time.Second
	}
	if c.DirectoryMaxBackoff <= 0 {
		c.DirectoryMaxBackoff = 30 * time.Second
	}
	return c
}

// LogStore is the slice of the delivery log the dispatcher writes.
type LogStore interface {
	InsertLogIfAbsent(ctx context.Context, e delivery.Entry) (delivery.Entry, bool, error)
	GetLog(ctx context.Context, campaignID string, recipientID int64) (delivery.Entry, error)
	UpdateLog(ctx context.Context, e delivery.Entry, expectVersion int64) error
}

// Finalizer is the campaign side of a run: the only way the dispatcher
// touches campaign state.
type Finalizer interface {
	List(ctx context.Context, f campaign.Filter, p campaign.Page) ([]campaign.Campaign, error)
	Progress(ctx context.Context, id string, sent int) error
	Complete(ctx context.Context, id string, sent int) (campaign.Campaign, error)
}

// Deactivator is told about recipients the channel reports unreachable.
type Deactivator interface {
	Deactivate(ctx context.Context, id int64) error
}

type Deps struct {
	Channel     channel.Channel
	Directory   directory.Directory
	Logs        LogStore
	Finalizer   Finalizer
	Deactivator Deactivator
	Bus         eventbus.Bus
}

// RunStatus is a live view of one campaign run.
type RunStatus struct {
	CampaignID string    `json:"campaign_id"`
	Total      int       `json:"total"`
	Prior      int       `json:"prior"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Paused     bool      `json:"paused"`
	StartedAt  time.Time `json:"started_at"`
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	deps Deps
	log  logx.Logger

	global *rate.Limiter
	chats  *chatLimiter

	sup      *supervisor.Supervisor
	stopDone chan struct{}

	runMu sync.RWMutex
	runs  map[string]*RunStatus

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}
