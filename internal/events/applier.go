// Package events records channel-reported delivery and read receipts on the
// delivery log.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pushbot/internal/delivery"
	"pushbot/internal/eventbus"
	logx "pushbot/pkg/logx"
)

type Kind string

const (
	KindDelivered Kind = "delivered"
	KindRead      Kind = "read"
)

const casAttempts = 5

var ErrUnknownKind = errors.New("events: unknown event kind")

// ParseKind accepts the kind names case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDelivered:
		return KindDelivered, nil
	case KindRead:
		return KindRead, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) status() delivery.Status {
	if k == KindRead {
		return delivery.StatusRead
	}
	return delivery.StatusDelivered
}

// Event is a channel callback about a message we sent.
type Event struct {
	Ref  delivery.MessageRef
	Kind Kind
	At   time.Time
}

type Store interface {
	FindLogByRef(ctx context.Context, ref delivery.MessageRef) (delivery.Entry, error)
	UpdateLog(ctx context.Context, e delivery.Entry, expectVersion int64) error
}

type Applier struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewApplier(store Store, bus eventbus.Bus, log logx.Logger) *Applier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Applier{store: store, bus: bus, log: log, now: time.Now}
}

// Apply advances the entry addressed by ev.Ref. Stale or duplicate events are
// dropped and reported with applied=false and a nil error. A reference that
// matches no entry yields delivery.ErrNotFound.
func (a *Applier) Apply(ctx context.Context, ev Event) (entry delivery.Entry, applied bool, err error) {
	if ev.Kind != KindDelivered && ev.Kind != KindRead {
		return delivery.Entry{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	if ev.Ref.IsZero() {
		return delivery.Entry{}, false, delivery.ErrNotFound
	}
	at := ev.At
	if at.IsZero() {
		at = a.now()
	}

	for attempt := 1; ; attempt++ {
		cur, err := a.store.FindLogByRef(ctx, ev.Ref)
		if err != nil {
			return delivery.Entry{}, false, err
		}
		next, err := delivery.Advance(cur, ev.Kind.status(), at)
		if errors.Is(err, delivery.ErrRegression) {
			a.log.Debug("stale channel event ignored",
				logx.String("ref", ev.Ref.String()),
				logx.String("kind", string(ev.Kind)),
				logx.String("status", string(cur.Status)))
			return cur, false, nil
		}
		if err != nil {
			return cur, false, err
		}
		next.Version = cur.Version + 1
		err = a.store.UpdateLog(ctx, next, cur.Version)
		if errors.Is(err, delivery.ErrVersionConflict) && attempt < casAttempts {
			continue
		}
		if err != nil {
			return cur, false, err
		}
		eventbus.Publish(a.bus, eventbus.DeliveryAdvanced, next.CampaignID, next)
		return next, true, nil
	}
}
