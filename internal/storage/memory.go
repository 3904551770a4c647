package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/directory"
)

type logKey struct {
	campaignID  string
	recipientID int64
}

// Memory is a map-backed Store. Values are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu sync.RWMutex

	campaigns map[string]campaign.Campaign

	logs   map[logKey]delivery.Entry
	byRef  map[delivery.MessageRef]logKey
	audit  []campaign.AuditRecord
	recSeq int64
	recs   map[int64]directory.Recipient
	byChat map[int64]int64
}

func NewMemory() *Memory {
	return &Memory{
		campaigns: map[string]campaign.Campaign{},
		logs:      map[logKey]delivery.Entry{},
		byRef:     map[delivery.MessageRef]logKey{},
		recs:      map[int64]directory.Recipient{},
		byChat:    map[int64]int64{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// ---- campaigns ----

func (m *Memory) InsertCampaign(_ context.Context, c campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; ok {
		return campaign.ErrVersionConflict
	}
	m.campaigns[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) UpdateCampaign(_ context.Context, c campaign.Campaign, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return campaign.ErrNotFound
	}
	if cur.Version != expectVersion {
		return campaign.ErrVersionConflict
	}
	next := c.Clone()
	next.CreatedAt = cur.CreatedAt
	next.CreatedBy = cur.CreatedBy
	m.campaigns[c.ID] = next
	return nil
}

func (m *Memory) DeleteCampaign(_ context.Context, id string, expectVersion int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[id]
	if !ok {
		return 0, campaign.ErrNotFound
	}
	if cur.Version != expectVersion {
		return 0, campaign.ErrVersionConflict
	}
	delete(m.campaigns, id)
	n := 0
	for k, e := range m.logs {
		if k.campaignID != id {
			continue
		}
		delete(m.byRef, e.Ref)
		delete(m.logs, k)
		n++
	}
	return n, nil
}

func (m *Memory) ListCampaigns(_ context.Context, f campaign.Filter, p campaign.Page) ([]campaign.Campaign, error) {
	m.mu.RLock()
	out := make([]campaign.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return window(out, p.Offset, p.Limit), nil
}

func (m *Memory) DueCampaigns(_ context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	m.mu.RLock()
	var out []campaign.Campaign
	for _, c := range m.campaigns {
		if c.Status == campaign.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return window(out, 0, limit), nil
}

func (m *Memory) CountCampaigns(context.Context) (map[campaign.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[campaign.Status]int{}
	for _, c := range m.campaigns {
		out[c.Status]++
	}
	return out, nil
}

// ---- delivery log ----

func (m *Memory) InsertLogIfAbsent(_ context.Context, e delivery.Entry) (delivery.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := logKey{e.CampaignID, e.RecipientID}
	if cur, ok := m.logs[k]; ok {
		return copyEntry(cur), false, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	m.logs[k] = copyEntry(e)
	if !e.Ref.IsZero() {
		m.byRef[e.Ref] = k
	}
	return copyEntry(e), true, nil
}

func (m *Memory) GetLog(_ context.Context, campaignID string, recipientID int64) (delivery.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.logs[logKey{campaignID, recipientID}]
	if !ok {
		return delivery.Entry{}, delivery.ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *Memory) FindLogByRef(_ context.Context, ref delivery.MessageRef) (delivery.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byRef[ref]
	if !ok {
		return delivery.Entry{}, delivery.ErrNotFound
	}
	return copyEntry(m.logs[k]), nil
}

func (m *Memory) UpdateLog(_ context.Context, e delivery.Entry, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := logKey{e.CampaignID, e.RecipientID}
	cur, ok := m.logs[k]
	if !ok {
		return delivery.ErrNotFound
	}
	if cur.Version != expectVersion {
		return delivery.ErrVersionConflict
	}
	if !cur.Ref.IsZero() && cur.Ref != e.Ref {
		delete(m.byRef, cur.Ref)
	}
	e.ID, e.CreatedAt = cur.ID, cur.CreatedAt
	m.logs[k] = copyEntry(e)
	if !e.Ref.IsZero() {
		m.byRef[e.Ref] = k
	}
	return nil
}

func (m *Memory) ListLogs(_ context.Context, f delivery.Filter, offset, limit int) ([]delivery.Entry, error) {
	m.mu.RLock()
	var out []delivery.Entry
	for _, e := range m.logs {
		if f.Match(e) {
			out = append(out, copyEntry(e))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	return window(out, offset, limit), nil
}

func (m *Memory) CountLogs(context.Context) (delivery.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := delivery.Counts{}
	for _, e := range m.logs {
		out[e.Status]++
	}
	return out, nil
}

// ---- recipients ----

func (m *Memory) UpsertRecipient(_ context.Context, r directory.Recipient) (directory.Recipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byChat[r.ChatID]; ok {
		cur := m.recs[id]
		r.ID, r.CreatedAt = cur.ID, cur.CreatedAt
		m.recs[id] = r
		return r, false, nil
	}
	m.recSeq++
	r.ID = m.recSeq
	m.recs[r.ID] = r
	m.byChat[r.ChatID] = r.ID
	return r, true, nil
}

func (m *Memory) GetRecipient(_ context.Context, id int64) (directory.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return directory.Recipient{}, directory.ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRecipients(_ context.Context, activeOnly bool, offset, limit int) ([]directory.Recipient, error) {
	m.mu.RLock()
	out := make([]directory.Recipient, 0, len(m.recs))
	for _, r := range m.recs {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, offset, limit), nil
}

func (m *Memory) SetRecipientActive(_ context.Context, id int64, active bool, at time.Time) (directory.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return directory.Recipient{}, directory.ErrNotFound
	}
	r.Active, r.UpdatedAt = active, at
	m.recs[id] = r
	return r, nil
}

func (m *Memory) CountRecipients(context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, r := range m.recs {
		if r.Active {
			active++
		}
	}
	return len(m.recs), active, nil
}

// ---- audit ----

func (m *Memory) AppendAudit(_ context.Context, r campaign.AuditRecord) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.audit = append(m.audit, r)
	m.mu.Unlock()
	return nil
}

// ListAudit returns the newest records first; an empty campaignID matches all.
func (m *Memory) ListAudit(_ context.Context, campaignID string, limit int) ([]campaign.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []campaign.AuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		if campaignID != "" && m.audit[i].CampaignID != campaignID {
			continue
		}
		out = append(out, m.audit[i])
	}
	return window(out, 0, limit), nil
}

func copyEntry(e delivery.Entry) delivery.Entry {
	e.SentAt = copyTime(e.SentAt)
	e.DeliveredAt = copyTime(e.DeliveredAt)
	e.ReadAt = copyTime(e.ReadAt)
	e.RetractedAt = copyTime(e.RetractedAt)
	return e
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// window applies offset/limit; limit <= 0 keeps everything after offset.
func window[T any](in []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
