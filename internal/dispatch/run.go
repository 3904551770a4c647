package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pushbot/internal/campaign"
	"pushbot/internal/channel"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
	"pushbot/internal/eventbus"
	logx "pushbot/pkg/logx"
)

const (
	ReasonInactive = "recipient inactive"
	ReasonNotFound = "recipient not found"

	storeTimeout   = 10 * time.Second
	saveAttempts   = 5
	settleAttempts = 3
)

// run delivers one campaign. Entries already terminal are skipped, so a run
// after a crash continues where the previous one stopped. When ctx ends early
// the remaining entries stay pending and the campaign is not completed.
func (s *Service) run(ctx context.Context, c campaign.Campaign) {
	cfg := s.snapshot()
	start := time.Now()
	log := s.log.With(logx.String("campaign", c.ID))
	ids := c.Targets()

	log.Info("dispatch started", logx.Int("recipients", len(ids)), logx.Int("workers", cfg.Workers))
	eventbus.Publish(s.deps.Bus, eventbus.DispatchStarted, c.ID, len(ids))

	entries, err := s.loadEntries(ctx, cfg, c.ID, ids)
	if err != nil {
		log.Info("dispatch interrupted while loading entries", logx.Err(err))
		return
	}

	prior := 0
	var open []delivery.Entry
	for _, e := range entries {
		switch {
		case e.Status.Succeeded():
			prior++
		case e.Status == delivery.StatusPending:
			open = append(open, e)
		}
	}
	s.updateRun(c.ID, func(r *RunStatus) { r.Prior = prior })

	var (
		sent, failed, outcomes atomic.Int64
		outstanding            atomic.Int64
	)
	outstanding.Store(int64(len(open)))
	finish := func() {
		s.complete(ctx, log, c.ID, prior+int(sent.Load()), int(failed.Load()), start)
	}
	if len(open) == 0 {
		finish()
		return
	}

	el, err := s.resolve(ctx, cfg, c.ID, open)
	if err != nil {
		log.Info("dispatch interrupted while resolving recipients", logx.Err(err))
		return
	}

	settle := func(ok bool) {
		if ok {
			sent.Add(1)
		} else {
			failed.Add(1)
		}
		s.updateRun(c.ID, func(r *RunStatus) { r.Sent, r.Failed = int(sent.Load()), int(failed.Load()) })
		if n := outcomes.Add(1); n%int64(cfg.ProgressEvery) == 0 {
			s.progress(ctx, log, c.ID, prior+int(sent.Load()))
		}
		if outstanding.Add(-1) == 0 {
			finish()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, e := range open {
		if ctx.Err() != nil {
			break
		}
		r, ok := el.ok[e.RecipientID]
		if !ok {
			if s.saveFailed(ctx, log, e, el.reason[e.RecipientID], e.Attempts) {
				settle(false)
			}
			continue
		}
		e := e
		g.Go(func() error {
			ok, settled := s.deliver(gctx, cfg, log, c, e, r)
			if settled {
				settle(ok)
			}
			return nil
		})
	}
	_ = g.Wait()

	switch left := outstanding.Load(); {
	case ctx.Err() != nil:
		log.Info("dispatch paused by shutdown", logx.Int64("sent", sent.Load()), logx.Int64("failed", failed.Load()), logx.Int64("left", left))
	case left > 0:
		// unrecorded outcomes stay pending; the campaign resumes on next start
		log.Warn("dispatch ended with unrecorded outcomes", logx.Int64("sent", sent.Load()), logx.Int64("failed", failed.Load()), logx.Int64("left", left))
	}
}

// loadEntries makes sure every target has a log entry and returns them all.
func (s *Service) loadEntries(ctx context.Context, cfg Config, campaignID string, ids []int64) ([]delivery.Entry, error) {
	out := make([]delivery.Entry, 0, len(ids))
	for _, id := range ids {
		for attempt := 1; ; attempt++ {
			now := time.Now().UTC()
			e, _, err := s.deps.Logs.InsertLogIfAbsent(ctx, delivery.Entry{
				CampaignID:  campaignID,
				RecipientID: id,
				Status:      delivery.StatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err == nil {
				out = append(out, e)
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("log store unavailable; pausing", logx.String("campaign", campaignID), logx.Int("attempt", attempt), logx.Err(err))
			if err := s.pause(ctx, cfg, campaignID, attempt); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

type eligibility struct {
	ok     map[int64]directory.Recipient
	reason map[int64]string
}

// resolve checks open entries against the directory. An unavailable
// directory pauses the run; it never fails entries.
func (s *Service) resolve(ctx context.Context, cfg Config, campaignID string, open []delivery.Entry) (eligibility, error) {
	for attempt := 1; ; attempt++ {
		el, err := s.tryResolve(ctx, open)
		if err == nil {
			s.updateRun(campaignID, func(r *RunStatus) { r.Paused = false })
			return el, nil
		}
		if ctx.Err() != nil {
			return el, ctx.Err()
		}
		s.log.Warn("directory unavailable; pausing", logx.String("campaign", campaignID), logx.Int("attempt", attempt), logx.Err(err))
		if err := s.pause(ctx, cfg, campaignID, attempt); err != nil {
			return el, err
		}
	}
}

func (s *Service) tryResolve(ctx context.Context, open []delivery.Entry) (eligibility, error) {
	el := eligibility{ok: map[int64]directory.Recipient{}, reason: map[int64]string{}}
	active, err := s.deps.Directory.ListActive(ctx)
	if err != nil {
		return el, err
	}
	byID := make(map[int64]directory.Recipient, len(active))
	for _, r := range active {
		byID[r.ID] = r
	}
	for _, e := range open {
		if r, ok := byID[e.RecipientID]; ok {
			el.ok[e.RecipientID] = r
			continue
		}
		r, err := s.deps.Directory.GetByID(ctx, e.RecipientID)
		switch {
		case errors.Is(err, directory.ErrNotFound):
			el.reason[e.RecipientID] = ReasonNotFound
		case err != nil:
			return el, err
		case r.Active:
			// registered after ListActive
			el.ok[e.RecipientID] = r
		default:
			el.reason[e.RecipientID] = ReasonInactive
		}
	}
	return el, nil
}

func (s *Service) pause(ctx context.Context, cfg Config, campaignID string, attempt int) error {
	d := cfg.DirectoryBackoff
	for i := 1; i < attempt && d < cfg.DirectoryMaxBackoff; i++ {
		d *= 2
	}
	if d > cfg.DirectoryMaxBackoff {
		d = cfg.DirectoryMaxBackoff
	}
	s.updateRun(campaignID, func(r *RunStatus) { r.Paused = true })
	if attempt == 1 {
		eventbus.Publish(s.deps.Bus, eventbus.DispatchPaused, campaignID, nil)
	}
	return s.sleep(ctx, d)
}

// deliver runs the attempt loop for one recipient. settled is false when the
// outcome could not be recorded, which leaves the entry pending.
func (s *Service) deliver(ctx context.Context, cfg Config, log logx.Logger, c campaign.Campaign, e delivery.Entry, r directory.Recipient) (ok, settled bool) {
	for attempt := e.Attempts + 1; ; attempt++ {
		if err := s.chats.Wait(ctx, r.ChatID); err != nil {
			return false, false
		}
		if err := s.global.Wait(ctx); err != nil {
			return false, false
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := s.deps.Channel.Send(sctx, r.ChatID, c.Content)
		cancel()

		if err == nil {
			ok := s.saveSent(ctx, log, e, ref, attempt)
			return ok, ok
		}
		if ctx.Err() != nil {
			return false, false
		}

		if !channel.IsTransient(err) || attempt >= cfg.MaxAttempts {
			reason := channel.Reason(err)
			if !channel.IsPermanent(err) {
				reason = fmt.Sprintf("gave up after %d attempts: %s", attempt, reason)
			}
			if errors.Is(err, channel.ErrUnreachable) {
				s.deactivate(ctx, log, r)
			}
			return false, s.saveFailed(ctx, log, e, reason, attempt)
		}

		if next, werr := s.save(ctx, e, func(cur delivery.Entry) (delivery.Entry, error) {
			cur.Attempts = attempt
			cur.UpdatedAt = time.Now().UTC()
			return cur, nil
		}); werr == nil {
			e = next
		}
		delay := s.retryDelay(cfg, attempt, err)
		log.Debug("send retry scheduled", logx.Int64("recipient", r.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if err := s.sleep(ctx, delay); err != nil {
			return false, false
		}
	}
}

func (s *Service) saveSent(ctx context.Context, log logx.Logger, e delivery.Entry, ref delivery.MessageRef, attempt int) bool {
	_, err := s.save(ctx, e, func(cur delivery.Entry) (delivery.Entry, error) {
		next, err := delivery.Advance(cur, delivery.StatusSent, time.Now())
		if err != nil {
			return cur, err
		}
		next.Attempts = attempt
		next.Ref = ref
		return next, nil
	})
	if err != nil {
		log.Error("message sent but log entry not updated", logx.Int64("recipient", e.RecipientID), logx.String("ref", ref.String()), logx.Err(err))
		return false
	}
	eventbus.Publish(s.deps.Bus, eventbus.DeliverySent, e.CampaignID, e.RecipientID)
	return true
}

func (s *Service) saveFailed(ctx context.Context, log logx.Logger, e delivery.Entry, reason string, attempts int) bool {
	_, err := s.save(ctx, e, func(cur delivery.Entry) (delivery.Entry, error) {
		next, err := delivery.Fail(cur, reason, time.Now())
		if err != nil {
			return cur, err
		}
		next.Attempts = attempts
		return next, nil
	})
	if err != nil {
		log.Error("log entry not marked failed", logx.Int64("recipient", e.RecipientID), logx.String("reason", reason), logx.Err(err))
		return false
	}
	log.Debug("delivery failed", logx.Int64("recipient", e.RecipientID), logx.String("reason", reason))
	eventbus.Publish(s.deps.Bus, eventbus.DeliveryFailed, e.CampaignID, e.RecipientID)
	return true
}

// save applies mutate and writes with compare-and-set, re-reading on conflict.
// Writes outlive ctx so an outcome observed before shutdown is not lost.
func (s *Service) save(ctx context.Context, e delivery.Entry, mutate func(delivery.Entry) (delivery.Entry, error)) (delivery.Entry, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	cur := e
	for attempt := 1; ; attempt++ {
		next, err := mutate(cur)
		if err != nil {
			return cur, err
		}
		next.Version = cur.Version + 1
		err = s.deps.Logs.UpdateLog(wctx, next, cur.Version)
		if err == nil {
			return next, nil
		}
		if attempt >= saveAttempts {
			return cur, err
		}
		if errors.Is(err, delivery.ErrVersionConflict) {
			if cur, err = s.deps.Logs.GetLog(wctx, e.CampaignID, e.RecipientID); err != nil {
				return e, err
			}
			continue
		}
		if err := sleepCtx(wctx, time.Duration(attempt)*100*time.Millisecond); err != nil {
			return cur, err
		}
	}
}

func (s *Service) deactivate(ctx context.Context, log logx.Logger, r directory.Recipient) {
	if s.deps.Deactivator == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.deps.Deactivator.Deactivate(wctx, r.ID); err != nil {
		log.Warn("deactivate recipient failed", logx.Int64("recipient", r.ID), logx.Err(err))
		return
	}
	log.Info("recipient deactivated", logx.Int64("recipient", r.ID), logx.Int64("chat_id", r.ChatID))
}

func (s *Service) progress(ctx context.Context, log logx.Logger, id string, sent int) {
	if err := s.deps.Finalizer.Progress(ctx, id, sent); err != nil && ctx.Err() == nil {
		log.Debug("progress update skipped", logx.Int("sent", sent), logx.Err(err))
	}
}

func (s *Service) complete(ctx context.Context, log logx.Logger, id string, sent, failed int, start time.Time) {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		_, err = s.deps.Finalizer.Complete(wctx, id, sent)
		cancel()
		if err == nil || errors.Is(err, campaign.ErrInvalidState) || errors.Is(err, campaign.ErrNotFound) {
			break
		}
		_ = sleepCtx(ctx, time.Duration(attempt)*time.Second)
	}
	switch {
	case errors.Is(err, campaign.ErrInvalidState):
		log.Debug("campaign already finalized", logx.Err(err))
		return
	case err != nil:
		// stays sending; the next Start resumes and completes it
		log.Error("complete campaign failed", logx.Err(err))
		return
	}
	fields := []logx.Field{logx.Int("sent", sent), logx.Int("failed", failed), logx.Duration("dur", time.Since(start))}
	if failed > 0 {
		log.Warn("dispatch finished with failures", fields...)
	} else {
		log.Info("dispatch finished", fields...)
	}
	eventbus.Publish(s.deps.Bus, eventbus.DispatchFinished, id, sent)
}

func (s *Service) retryDelay(cfg Config, attempt int, err error) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return retryDelay(cfg, attempt, err, s.rng)
}
