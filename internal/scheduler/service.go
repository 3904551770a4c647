// Package scheduler promotes scheduled campaigns to sending once their time
// has come. It only triggers; delivery belongs to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pushbot/internal/campaign"
	logx "pushbot/pkg/logx"
)

const (
	defaultTick  = 5 * time.Second
	defaultBatch = 100
)

type Config struct {
	Enabled bool
	// Tick is the polling interval. Ignored when Spec is set.
	Tick time.Duration
	// Spec is an optional cron expression (seconds optional) replacing Tick.
	Spec      string
	Timezone  string
	BatchSize int
}

// Controller is the part of the campaign controller the scheduler drives.
type Controller interface {
	Due(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error)
	SendNow(ctx context.Context, actor, id string) (campaign.Campaign, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	ctl Controller
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location

	runCtx    context.Context
	runCancel context.CancelFunc

	now func() time.Time
}

func New(cfg Config, ctl Controller, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		ctl: ctl,
		log: log,
		parser: specParser,
		now:    time.Now,
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the trigger and timezone without starting anything.
func Validate(cfg Config) error {
	if _, err := specParser.Parse(trigger(cfg)); err != nil {
		return fmt.Errorf("scheduler.spec: invalid %q: %w", cfg.Spec, err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// SetClock overrides the time source used to decide what is due.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Enabled reports the current config flag. Safe while Apply runs.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config and re-registers the trigger when its schedule changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if trigger(old) != trigger(cfg) || strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		if err := s.restartLocked(); err != nil {
			s.log.Error("scheduler restart failed", logx.Err(err))
		}
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if err := s.restartLocked(); err != nil {
		s.log.Error("scheduler start failed", logx.Err(err))
		return
	}
	s.log.Info("service started", logx.String("trigger", trigger(s.cfg)), logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() error {
	if s.c != nil {
		s.c.Stop()
	}
	loc := loadLocation(s.cfg.Timezone)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runCtx := s.runCtx
	if _, err := c.AddFunc(trigger(s.cfg), func() {
		if _, err := s.Tick(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Warn("scheduler tick failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	s.c, s.loc = c, loc
	c.Start()
	return nil
}

// Tick sends every due campaign. Losing a race to an admin or another
// instance is expected and not an error. It returns how many campaigns it started.
func (s *Service) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	now := s.now()
	batch := s.cfg.BatchSize
	s.mu.Unlock()
	if batch <= 0 {
		batch = defaultBatch
	}

	due, err := s.ctl.Due(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if _, err := s.ctl.SendNow(ctx, campaign.ActorScheduler, c.ID); err != nil {
			switch {
			case errors.Is(err, campaign.ErrInvalidState), errors.Is(err, campaign.ErrNotFound):
				s.log.Debug("scheduled campaign already handled", logx.String("campaign", c.ID), logx.Err(err))
			default:
				s.log.Warn("scheduled send failed", logx.String("campaign", c.ID), logx.Err(err))
			}
			continue
		}
		fired++
		late := now.Sub(*c.ScheduledAt)
		s.log.Info("scheduled campaign fired", logx.String("campaign", c.ID), logx.Duration("late", late))
	}
	return fired, nil
}

func trigger(cfg Config) string {
	if spec := strings.TrimSpace(cfg.Spec); spec != "" {
		return spec
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return "@every " + tick.String()
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
