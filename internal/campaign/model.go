// Package campaign owns push campaigns: the data model, validation and the
// lifecycle controller that serializes every status change through a
// versioned compare-and-set.
package campaign

import (
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var Statuses = []Status{StatusDraft, StatusScheduled, StatusSending, StatusCompleted, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindDocument, KindAudio:
		return true
	}
	return false
}

// HasMedia reports whether the kind carries an attachment.
func (k Kind) HasMedia() bool { return k.Valid() && k != KindText }

type RenderMode string

const (
	RenderPlain    RenderMode = "plain"
	RenderMarkdown RenderMode = "markdown"
)

type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Content is the tagged message variant. Media is required iff Kind is not text;
// for media kinds Body is the caption.
type Content struct {
	Kind    Kind       `json:"kind"`
	Body    string     `json:"body"`
	Media   string     `json:"media,omitempty"`
	Render  RenderMode `json:"render"`
	Buttons []Button   `json:"buttons,omitempty"`
}

type Campaign struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Content     Content    `json:"content"`
	Recipients  []int64    `json:"recipients"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Status      Status     `json:"status"`
	SentCount   int        `json:"sent_count"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// Spec is the caller-supplied part of a campaign.
type Spec struct {
	Title      string  `json:"title"`
	Content    Content `json:"content"`
	Recipients []int64 `json:"recipients"`
}

// Targets returns the recipient ids without duplicates, keeping first-seen order.
func (c Campaign) Targets() []int64 {
	return dedupe(c.Recipients)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Clone returns a deep copy.
func (c Campaign) Clone() Campaign {
	cp := c
	cp.Recipients = append([]int64(nil), c.Recipients...)
	cp.Content.Buttons = append([]Button(nil), c.Content.Buttons...)
	if c.ScheduledAt != nil {
		t := *c.ScheduledAt
		cp.ScheduledAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Filter selects campaigns for listing.
type Filter struct {
	Status Status
}

// Page is offset pagination. Limit <= 0 means the default.
type Page struct {
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// AuditRecord is one administrative action, appended to the audit log.
type AuditRecord struct {
	At         time.Time
	Actor      string
	Action     string
	CampaignID string
	OK         int
	Fail       int
	Error      string
	TookMS     int64
	Meta       string
}
