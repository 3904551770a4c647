package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const chatIdleTTL = 10 * time.Minute

// chatLimiter spaces consecutive sends to the same chat across all runs.
type chatLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	byChat   map[int64]*chatSlot
}

type chatSlot struct {
	lim  *rate.Limiter
	last time.Time
}

func newChatLimiter(interval time.Duration) *chatLimiter {
	return &chatLimiter{interval: interval, byChat: map[int64]*chatSlot{}}
}

// Wait blocks until chatID may receive another message. A zero interval disables spacing.
func (c *chatLimiter) Wait(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	if c.interval <= 0 {
		c.mu.Unlock()
		return ctx.Err()
	}
	slot := c.byChat[chatID]
	if slot == nil {
		slot = &chatSlot{lim: rate.NewLimiter(rate.Every(c.interval), 1)}
		c.byChat[chatID] = slot
	}
	slot.last = time.Now()
	lim := slot.lim
	c.mu.Unlock()
	return lim.Wait(ctx)
}

func (c *chatLimiter) SetInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
	for _, s := range c.byChat {
		if d > 0 {
			s.lim.SetLimit(rate.Every(d))
		}
	}
}

// Prune drops chats idle for longer than chatIdleTTL.
func (c *chatLimiter) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.byChat {
		if now.Sub(s.last) > chatIdleTTL {
			delete(c.byChat, id)
			n++
		}
	}
	return n
}

func (c *chatLimiter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byChat)
}
