// Package delivery models the per-recipient outcome of a campaign.
//
// One Entry exists per (campaign, recipient). Retries and channel callbacks
// mutate it through Advance, which only ever moves forward.
package delivery

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var Statuses = []Status{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the dispatcher is done with an entry in status s.
func (s Status) Terminal() bool { return s != StatusPending && s.Valid() }

// Succeeded reports whether the message reached the recipient.
func (s Status) Succeeded() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// rank orders the success path; failed is off the path.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// MessageRef addresses a message inside the channel.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

func (r MessageRef) String() string { return fmt.Sprintf("%d/%d", r.ChatID, r.MessageID) }

type Entry struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	RecipientID int64      `json:"recipient_id"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	Ref         MessageRef `json:"ref"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	RetractedAt *time.Time `json:"retracted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"-"`
}

var (
	// ErrRegression is returned by Advance for a backwards or repeated transition.
	ErrRegression = errors.New("delivery: transition would regress")
	// ErrVersionConflict means the entry changed since it was read.
	ErrVersionConflict = errors.New("delivery: version conflict")
	ErrNotFound        = errors.New("delivery: entry not found")
)

// Advance moves e to status "to" at time at. The result keeps the
// sent_at <= delivered_at <= read_at ordering; read backfills delivered_at.
// Failed is only reachable from pending. e is not modified on error.
func Advance(e Entry, to Status, at time.Time) (Entry, error) {
	if !to.Valid() || to == StatusPending {
		return e, fmt.Errorf("delivery: invalid target status %q", to)
	}
	switch {
	case e.Status == StatusFailed:
		return e, ErrRegression
	case to == StatusFailed:
		if e.Status != StatusPending {
			return e, ErrRegression
		}
	case to.rank() <= e.Status.rank():
		return e, ErrRegression
	case e.Status == StatusPending && to != StatusSent:
		// callbacks cannot arrive for a message that was never sent
		return e, ErrRegression
	}

	at = at.UTC()
	next := e
	next.Status = to
	next.UpdatedAt = at
	switch to {
	case StatusFailed:
		return next, nil
	case StatusSent:
		next.Error = ""
		next.SentAt = stamp(next.SentAt, at, nil)
	case StatusDelivered:
		next.DeliveredAt = stamp(next.DeliveredAt, at, next.SentAt)
	case StatusRead:
		next.DeliveredAt = stamp(next.DeliveredAt, at, next.SentAt)
		next.ReadAt = stamp(next.ReadAt, at, next.DeliveredAt)
	}
	return next, nil
}

// stamp keeps an existing timestamp, otherwise uses at, never earlier than floor.
func stamp(cur *time.Time, at time.Time, floor *time.Time) *time.Time {
	if cur != nil {
		return cur
	}
	if floor != nil && at.Before(*floor) {
		at = *floor
	}
	return &at
}

// Fail marks a pending entry failed with reason.
func Fail(e Entry, reason string, at time.Time) (Entry, error) {
	next, err := Advance(e, StatusFailed, at)
	if err != nil {
		return e, err
	}
	next.Error = reason
	return next, nil
}

// Filter selects entries for listing. Zero fields match everything.
type Filter struct {
	CampaignID  string
	RecipientID int64
	Status      Status
}

func (f Filter) Match(e Entry) bool {
	if f.CampaignID != "" && e.CampaignID != f.CampaignID {
		return false
	}
	if f.RecipientID != 0 && e.RecipientID != f.RecipientID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Counts tallies entries by status.
type Counts map[Status]int

// SuccessRate is (sent+delivered+read) / all terminal entries, 0 without terminal entries.
func (c Counts) SuccessRate() float64 {
	ok := c[StatusSent] + c[StatusDelivered] + c[StatusRead]
	total := ok + c[StatusFailed]
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}
