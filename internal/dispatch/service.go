package dispatch

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/runtime/supervisor"
	logx "pushbot/pkg/logx"
)

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		global: rate.NewLimiter(rate.Limit(d.RatePerSec), d.Burst),
		chats:  newChatLimiter(d.PerRecipientInterval),
		runs:   map[string]*RunStatus{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}
}

// Enabled reports the current config flag. Safe while Apply runs.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config. The shared limiters are retuned in place so runs in
// flight pick up the new rates.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	d := cfg.withDefaults()
	s.global.SetLimit(rate.Limit(d.RatePerSec))
	s.global.SetBurst(d.Burst)
	s.chats.SetInterval(d.PerRecipientInterval)
	s.log.Debug("dispatch config applied", logx.Int("workers", d.Workers), logx.Int("rps", d.RatePerSec), logx.Int("max_attempts", d.MaxAttempts))
}

func (s *Service) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.withDefaults()
}

// Start begins accepting campaigns and resumes every campaign left in sending.
func (s *Service) Start(ctx context.Context) {
	// wait out a Stop in progress so two supervisors never overlap
	for {
		s.mu.Lock()
		if s.sup == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	sup := s.sup
	cfg := s.cfg.withDefaults()
	s.mu.Unlock()

	sup.Go0("dispatch.resume", s.resume)
	sup.Go0("dispatch.prune", func(ctx context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.chats.Prune(now)
			}
		}
	})
	s.log.Info("service started", logx.Int("workers", cfg.Workers), logx.Int("rps", cfg.RatePerSec), logx.Duration("per_recipient", cfg.PerRecipientInterval))
}

// Stop cancels running campaigns and waits for their workers. Entries not yet
// attempted stay pending and the campaign stays sending until the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Dispatch hands a campaign that just entered sending to the worker pool.
// It never blocks. A campaign already running is ignored.
func (s *Service) Dispatch(c campaign.Campaign) {
	s.mu.Lock()
	sup := s.sup
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if sup == nil || stopping {
		s.log.Warn("dispatcher not running; campaign will resume on start", logx.String("campaign", c.ID))
		return
	}
	if !s.track(c.ID, len(c.Targets())) {
		s.log.Debug("campaign already running", logx.String("campaign", c.ID))
		return
	}
	sup.Go0("dispatch."+c.ID, func(ctx context.Context) {
		defer s.untrack(c.ID)
		s.run(ctx, c)
	})
}

func (s *Service) resume(ctx context.Context) {
	if s.deps.Finalizer == nil {
		return
	}
	var pending []campaign.Campaign
	for offset := 0; ; offset += campaign.MaxPageLimit {
		page, err := s.deps.Finalizer.List(ctx, campaign.Filter{Status: campaign.StatusSending}, campaign.Page{Offset: offset, Limit: campaign.MaxPageLimit})
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("resume: list sending campaigns failed", logx.Err(err))
			}
			return
		}
		pending = append(pending, page...)
		if len(page) < campaign.MaxPageLimit {
			break
		}
	}
	for _, c := range pending {
		s.log.Info("resuming campaign", logx.String("campaign", c.ID))
		s.Dispatch(c)
	}
}

// DeleteMessage retracts one delivered message. It draws from the same global
// token bucket as sends.
func (s *Service) DeleteMessage(ctx context.Context, ref delivery.MessageRef) error {
	cfg := s.snapshot()
	if err := s.global.Wait(ctx); err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	return s.deps.Channel.Delete(dctx, ref)
}

// Runs lists campaigns currently being dispatched.
func (s *Service) Runs() []RunStatus {
	s.runMu.RLock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.runMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Service) track(id string, total int) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.runs[id]; ok {
		return false
	}
	s.runs[id] = &RunStatus{CampaignID: id, Total: total, StartedAt: time.Now()}
	return true
}

func (s *Service) untrack(id string) {
	s.runMu.Lock()
	delete(s.runs, id)
	s.runMu.Unlock()
}

func (s *Service) updateRun(id string, fn func(r *RunStatus)) {
	s.runMu.Lock()
	if r := s.runs[id]; r != nil {
		fn(r)
	}
	s.runMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
