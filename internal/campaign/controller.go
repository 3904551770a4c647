package campaign

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushbot/internal/delivery"
	"pushbot/internal/eventbus"
	logx "pushbot/pkg/logx"
)

// Store persists campaigns. Every write carries the version it expects to replace.
type Store interface {
	InsertCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	UpdateCampaign(ctx context.Context, c Campaign, expectVersion int64) error
	// DeleteCampaign removes the campaign and its log entries in one write and
	// returns how many entries went with it.
	DeleteCampaign(ctx context.Context, id string, expectVersion int64) (int, error)
	ListCampaigns(ctx context.Context, f Filter, p Page) ([]Campaign, error)
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]Campaign, error)
	CountCampaigns(ctx context.Context) (map[Status]int, error)
}

// LogStore is the slice of the delivery log the controller needs.
// A limit <= 0 returns every matching entry.
type LogStore interface {
	GetLog(ctx context.Context, campaignID string, recipientID int64) (delivery.Entry, error)
	ListLogs(ctx context.Context, f delivery.Filter, offset, limit int) ([]delivery.Entry, error)
	UpdateLog(ctx context.Context, e delivery.Entry, expectVersion int64) error
	CountLogs(ctx context.Context) (delivery.Counts, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, r AuditRecord) error
}

// Dispatcher receives campaigns that won the transition to sending.
type Dispatcher interface {
	Dispatch(c Campaign)
	DeleteMessage(ctx context.Context, ref delivery.MessageRef) error
}

// RecipientCounter feeds the recipient part of Stats.
type RecipientCounter interface {
	Counts(ctx context.Context) (total, active int, err error)
}

const (
	ActorScheduler  = "scheduler"
	ActorDispatcher = "dispatcher"

	casAttempts = 8
)

type Deps struct {
	Store      Store
	Logs       LogStore
	Audit      Auditor
	Recipients RecipientCounter
	Bus        eventbus.Bus
}

// Controller is the only writer of campaign status.
type Controller struct {
	store Store
	logs  LogStore
	audit Auditor
	dir   RecipientCounter
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.RWMutex
	disp Dispatcher

	now   func() time.Time
	newID func() string
}

func NewController(deps Deps, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		store: deps.Store,
		logs:  deps.Logs,
		audit: deps.Audit,
		dir:   deps.Recipients,
		bus:   deps.Bus,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetDispatcher wires the dispatcher after both sides exist.
func (c *Controller) SetDispatcher(d Dispatcher) {
	c.mu.Lock()
	c.disp = d
	c.mu.Unlock()
}

// SetClock overrides the time source.
func (c *Controller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Controller) dispatcher() Dispatcher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disp
}

func (c *Controller) Create(ctx context.Context, actor string, s Spec) (Campaign, error) {
	start := c.now()
	s = normalize(s)
	if err := Validate(s, false); err != nil {
		return Campaign{}, err
	}
	now := start.UTC()
	cp := Campaign{
		ID:         c.newID(),
		Title:      s.Title,
		Content:    s.Content,
		Recipients: s.Recipients,
		Status:     StatusDraft,
		CreatedBy:  actor,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	err := c.store.InsertCampaign(ctx, cp)
	c.record(ctx, actor, "create", cp.ID, err, start)
	if err != nil {
		return Campaign{}, err
	}
	c.log.Info("campaign created", logx.String("campaign", cp.ID), logx.String("kind", string(cp.Content.Kind)), logx.Int("recipients", len(cp.Recipients)))
	eventbus.Publish(c.bus, eventbus.CampaignCreated, cp.ID, nil)
	return cp, nil
}

func (c *Controller) Get(ctx context.Context, id string) (Campaign, error) {
	cp, err := c.store.GetCampaign(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Campaign{}, &NotFoundError{ID: id}
	}
	return cp, err
}

func (c *Controller) List(ctx context.Context, f Filter, p Page) ([]Campaign, error) {
	return c.store.ListCampaigns(ctx, f, p.Normalize())
}

// Logs lists delivery log entries, newest first.
func (c *Controller) Logs(ctx context.Context, f delivery.Filter, p Page) ([]delivery.Entry, error) {
	p = p.Normalize()
	return c.logs.ListLogs(ctx, f, p.Offset, p.Limit)
}

// Update replaces title, content and targets of a campaign that has not started.
func (c *Controller) Update(ctx context.Context, actor, id string, s Spec) (Campaign, error) {
	start := c.now()
	s = normalize(s)
	next, err := c.transition(ctx, id, "update", []Status{StatusDraft, StatusScheduled}, func(n *Campaign) error {
		if err := Validate(s, n.Status == StatusScheduled); err != nil {
			return err
		}
		n.Title, n.Content, n.Recipients = s.Title, s.Content, s.Recipients
		return nil
	})
	c.record(ctx, actor, "update", id, err, start)
	if err != nil {
		return Campaign{}, err
	}
	eventbus.Publish(c.bus, eventbus.CampaignUpdated, id, nil)
	return next, nil
}

// SendNow moves a draft or scheduled campaign to sending and hands it to the
// dispatcher. Only the caller whose compare-and-set wins reaches the hand-off.
func (c *Controller) SendNow(ctx context.Context, actor, id string) (Campaign, error) {
	start := c.now()
	next, err := c.transition(ctx, id, "send", []Status{StatusDraft, StatusScheduled}, func(n *Campaign) error {
		if err := Validate(specOf(*n), true); err != nil {
			return err
		}
		n.Status = StatusSending
		return nil
	})
	c.record(ctx, actor, "send", id, err, start)
	if err != nil {
		return Campaign{}, err
	}
	c.log.Info("campaign sending", logx.String("campaign", id), logx.String("actor", actor), logx.Int("recipients", len(next.Targets())))
	eventbus.Publish(c.bus, eventbus.CampaignSending, id, actor)

	if d := c.dispatcher(); d != nil {
		d.Dispatch(next.Clone())
	} else {
		c.log.Error("no dispatcher attached; campaign will resume on restart", logx.String("campaign", id))
	}
	return next, nil
}

// Schedule sets a future send time on a draft.
func (c *Controller) Schedule(ctx context.Context, actor, id string, at time.Time) (Campaign, error) {
	start := c.now()
	at = at.UTC()
	next, err := c.transition(ctx, id, "schedule", []Status{StatusDraft}, func(n *Campaign) error {
		if !at.After(start) {
			return &ValidationError{Fields: []FieldError{{Field: "scheduled_at", Message: "must be in the future"}}}
		}
		if err := Validate(specOf(*n), true); err != nil {
			return err
		}
		n.Status = StatusScheduled
		n.ScheduledAt = &at
		return nil
	})
	c.record(ctx, actor, "schedule", id, err, start)
	if err != nil {
		return Campaign{}, err
	}
	c.log.Info("campaign scheduled", logx.String("campaign", id), logx.Time("at", at))
	eventbus.Publish(c.bus, eventbus.CampaignScheduled, id, at)
	return next, nil
}

// Cancel pre-empts a scheduled campaign. A campaign already sending cannot be cancelled.
func (c *Controller) Cancel(ctx context.Context, actor, id string) (Campaign, error) {
	start := c.now()
	next, err := c.transition(ctx, id, "cancel", []Status{StatusScheduled}, func(n *Campaign) error {
		n.Status = StatusCancelled
		return nil
	})
	c.record(ctx, actor, "cancel", id, err, start)
	if err != nil {
		return Campaign{}, err
	}
	c.log.Info("campaign cancelled", logx.String("campaign", id), logx.String("actor", actor))
	eventbus.Publish(c.bus, eventbus.CampaignCancelled, id, nil)
	return next, nil
}

// Delete removes a campaign that never started or was cancelled, with its log entries.
func (c *Controller) Delete(ctx context.Context, actor, id string) error {
	start := c.now()
	n, err := c.deleteCAS(ctx, id)
	c.record(ctx, actor, "delete", id, err, start)
	if err != nil {
		return err
	}
	c.log.Info("campaign deleted", logx.String("campaign", id), logx.Int("logs", n))
	eventbus.Publish(c.bus, eventbus.CampaignDeleted, id, nil)
	return nil
}

func (c *Controller) deleteCAS(ctx context.Context, id string) (int, error) {
	allowed := []Status{StatusDraft, StatusScheduled, StatusCancelled}
	for attempt := 1; ; attempt++ {
		cur, err := c.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if !slices.Contains(allowed, cur.Status) {
			return 0, &InvalidStateError{ID: id, Op: "delete", Status: cur.Status}
		}
		n, err := c.store.DeleteCampaign(ctx, id, cur.Version)
		switch {
		case errors.Is(err, ErrVersionConflict) && attempt < casAttempts:
			continue
		case errors.Is(err, ErrVersionConflict):
			return 0, &InvalidStateError{ID: id, Op: "delete", Status: cur.Status}
		case errors.Is(err, ErrNotFound):
			return 0, &NotFoundError{ID: id}
		}
		return n, err
	}
}

// Progress records the dispatcher's running success count.
func (c *Controller) Progress(ctx context.Context, id string, sent int) error {
	_, err := c.transition(ctx, id, "progress", []Status{StatusSending}, func(n *Campaign) error {
		n.SentCount = sent
		return nil
	})
	return err
}

// Complete finalizes a sending campaign with the definitive success count.
func (c *Controller) Complete(ctx context.Context, id string, sent int) (Campaign, error) {
	start := c.now()
	next, err := c.transition(ctx, id, "complete", []Status{StatusSending}, func(n *Campaign) error {
		at := c.now().UTC()
		n.Status = StatusCompleted
		n.SentCount = sent
		n.CompletedAt = &at
		return nil
	})
	c.record(ctx, ActorDispatcher, "complete", id, err, start)
	if err != nil {
		return Campaign{}, err
	}
	c.log.Info("campaign completed", logx.String("campaign", id), logx.Int("sent", sent))
	eventbus.Publish(c.bus, eventbus.CampaignCompleted, id, sent)
	return next, nil
}

// Due returns scheduled campaigns whose time has come.
func (c *Controller) Due(ctx context.Context, now time.Time, limit int) ([]Campaign, error) {
	return c.store.DueCampaigns(ctx, now.UTC(), limit)
}

// transition is the single compare-and-set path for status changes. It
// re-reads on version conflicts so a lost race surfaces as InvalidStateError
// once the winner's status is visible.
func (c *Controller) transition(ctx context.Context, id, op string, allowed []Status, mutate func(*Campaign) error) (Campaign, error) {
	for attempt := 1; ; attempt++ {
		cur, err := c.Get(ctx, id)
		if err != nil {
			return Campaign{}, err
		}
		if !slices.Contains(allowed, cur.Status) {
			return Campaign{}, &InvalidStateError{ID: id, Op: op, Status: cur.Status}
		}
		next := cur.Clone()
		if err := mutate(&next); err != nil {
			return Campaign{}, err
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = c.now().UTC()

		err = c.store.UpdateCampaign(ctx, next, cur.Version)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, ErrVersionConflict) && attempt < casAttempts:
			c.log.Debug("campaign version conflict; retrying", logx.String("campaign", id), logx.String("op", op), logx.Int("attempt", attempt))
			continue
		case errors.Is(err, ErrVersionConflict):
			return Campaign{}, &InvalidStateError{ID: id, Op: op, Status: cur.Status}
		case errors.Is(err, ErrNotFound):
			return Campaign{}, &NotFoundError{ID: id}
		default:
			return Campaign{}, err
		}
	}
}

func specOf(c Campaign) Spec {
	return Spec{Title: c.Title, Content: c.Content, Recipients: c.Recipients}
}

func (c *Controller) record(ctx context.Context, actor, action, id string, opErr error, start time.Time) {
	if c.audit == nil {
		return
	}
	// lost scheduler races are routine
	if actor == ActorScheduler && errors.Is(opErr, ErrInvalidState) {
		return
	}
	r := AuditRecord{
		At:         start.UTC(),
		Actor:      actor,
		Action:     action,
		CampaignID: id,
		TookMS:     c.now().Sub(start).Milliseconds(),
	}
	if opErr != nil {
		r.Fail, r.Error = 1, opErr.Error()
	} else {
		r.OK = 1
	}
	c.appendAudit(ctx, r)
}

func (c *Controller) appendAudit(ctx context.Context, r AuditRecord) {
	if c.audit == nil {
		return
	}
	if err := c.audit.AppendAudit(context.WithoutCancel(ctx), r); err != nil {
		c.log.Warn("audit append failed", logx.String("action", r.Action), logx.Err(err))
	}
}
