package campaign

import (
	"context"
	"errors"
	"time"

	"pushbot/internal/delivery"
	"pushbot/internal/eventbus"
	logx "pushbot/pkg/logx"
)

type RetractFailure struct {
	RecipientID int64  `json:"recipient_id"`
	Error       string `json:"error"`
}

// RetractResult reports how a retraction went. Entries that were never
// delivered, or were already retracted, count as Skipped.
type RetractResult struct {
	Deleted  int              `json:"deleted"`
	Failed   int              `json:"failed"`
	Skipped  int              `json:"skipped"`
	Failures []RetractFailure `json:"failures,omitempty"`
}

// Retract deletes every delivered message of a completed campaign from the
// recipients' chats. It is safe to repeat: retracted entries are skipped.
func (c *Controller) Retract(ctx context.Context, actor, id string) (RetractResult, error) {
	start := c.now()
	var res RetractResult

	cp, err := c.Get(ctx, id)
	if err == nil && cp.Status != StatusCompleted {
		err = &InvalidStateError{ID: id, Op: "retract", Status: cp.Status}
	}
	d := c.dispatcher()
	if err == nil && d == nil {
		err = errors.New("campaign: no dispatcher attached")
	}
	if err != nil {
		c.record(ctx, actor, "retract", id, err, start)
		return res, err
	}

	entries, err := c.logs.ListLogs(ctx, delivery.Filter{CampaignID: id}, 0, 0)
	if err != nil {
		c.record(ctx, actor, "retract", id, err, start)
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			c.recordRetract(ctx, actor, id, res, err, start)
			return res, err
		}
		if !e.Status.Succeeded() || e.RetractedAt != nil || e.Ref.IsZero() {
			res.Skipped++
			continue
		}
		if err := d.DeleteMessage(ctx, e.Ref); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, RetractFailure{RecipientID: e.RecipientID, Error: err.Error()})
			c.log.Warn("retract failed", logx.String("campaign", id), logx.Int64("recipient", e.RecipientID), logx.String("ref", e.Ref.String()), logx.Err(err))
			continue
		}
		if err := c.markRetracted(ctx, e); err != nil {
			c.log.Warn("message deleted but log not updated", logx.String("campaign", id), logx.Int64("recipient", e.RecipientID), logx.Err(err))
		}
		res.Deleted++
	}

	c.recordRetract(ctx, actor, id, res, nil, start)
	c.log.Info("campaign retracted", logx.String("campaign", id), logx.Int("deleted", res.Deleted), logx.Int("failed", res.Failed), logx.Int("skipped", res.Skipped))
	eventbus.Publish(c.bus, eventbus.CampaignRetracted, id, res)
	return res, nil
}

// markRetracted stamps retracted_at, re-reading if a callback advanced the entry meanwhile.
func (c *Controller) markRetracted(ctx context.Context, e delivery.Entry) error {
	for attempt := 1; ; attempt++ {
		at := c.now().UTC()
		next := e
		next.RetractedAt = &at
		next.UpdatedAt = at
		next.Version = e.Version + 1
		err := c.logs.UpdateLog(ctx, next, e.Version)
		if !errors.Is(err, delivery.ErrVersionConflict) || attempt >= casAttempts {
			return err
		}
		if e, err = c.logs.GetLog(ctx, e.CampaignID, e.RecipientID); err != nil {
			return err
		}
		if e.RetractedAt != nil {
			return nil
		}
	}
}

func (c *Controller) recordRetract(ctx context.Context, actor, id string, res RetractResult, opErr error, start time.Time) {
	r := AuditRecord{
		At:         start.UTC(),
		Actor:      actor,
		Action:     "retract",
		CampaignID: id,
		OK:         res.Deleted,
		Fail:       res.Failed,
		TookMS:     c.now().Sub(start).Milliseconds(),
	}
	if opErr != nil {
		r.Error = opErr.Error()
	}
	c.appendAudit(ctx, r)
}
