package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	CampaignCreated   = "campaign.created"
	CampaignUpdated   = "campaign.updated"
	CampaignScheduled = "campaign.scheduled"
	CampaignSending   = "campaign.sending"
	CampaignCancelled = "campaign.cancelled"
	CampaignDeleted   = "campaign.deleted"
	CampaignCompleted = "campaign.completed"
	CampaignRetracted = "campaign.retracted"

	DeliverySent     = "delivery.sent"
	DeliveryFailed   = "delivery.failed"
	DeliveryAdvanced = "delivery.advanced"

	DispatchStarted  = "dispatch.started"
	DispatchPaused   = "dispatch.paused"
	DispatchFinished = "dispatch.finished"
)

// Event is a small in-process signal. Publish never blocks; a full subscriber misses events.
type Event struct {
	Type       string
	Time       time.Time
	CampaignID string
	Data       any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// hold the read lock while sending so unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ, campaignID string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), CampaignID: campaignID, Data: data})
}
