package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "pushbot/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	seq  int64
	byID map[int64]Recipient
	fail error
}

func newMemStore() *memStore { return &memStore{byID: map[int64]Recipient{}} }

func (m *memStore) UpsertRecipient(_ context.Context, r Recipient) (Recipient, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cur := range m.byID {
		if cur.ChatID == r.ChatID {
			r.ID, r.CreatedAt = id, cur.CreatedAt
			m.byID[id] = r
			return r, false, nil
		}
	}
	m.seq++
	r.ID = m.seq
	m.byID[r.ID] = r
	return r, true, nil
}

func (m *memStore) GetRecipient(_ context.Context, id int64) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Recipient{}, m.fail
	}
	r, ok := m.byID[id]
	if !ok {
		return Recipient{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListRecipients(_ context.Context, activeOnly bool, _, _ int) ([]Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []Recipient
	for _, r := range m.byID {
		if !activeOnly || r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) SetRecipientActive(_ context.Context, id int64, active bool, at time.Time) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return Recipient{}, ErrNotFound
	}
	r.Active, r.UpdatedAt = active, at
	m.byID[id] = r
	return r, nil
}

func (m *memStore) CountRecipients(context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, r := range m.byID {
		if r.Active {
			active++
		}
	}
	return len(m.byID), active, nil
}

func TestRegisterCreatesThenRefreshes(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore(), logx.Nop())
	ctx := context.Background()

	r, created, err := svc.Register(ctx, Profile{ChatID: 42, FirstName: "Ana"})
	if err != nil || !created {
		t.Fatalf("Register() = %v, %v, %v", r, created, err)
	}
	if err := svc.Deactivate(ctx, r.ID); err != nil {
		t.Fatal(err)
	}

	again, created, err := svc.Register(ctx, Profile{ChatID: 42, FirstName: "Ana", Username: "ana"})
	if err != nil || created {
		t.Fatalf("second Register() created=%v err=%v", created, err)
	}
	if again.ID != r.ID {
		t.Fatalf("ID = %d, want %d", again.ID, r.ID)
	}
	if !again.Active {
		t.Fatal("returning recipient should be reactivated")
	}
}

func TestRegisterRequiresChatID(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore(), logx.Nop())
	if _, _, err := svc.Register(context.Background(), Profile{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestBackendFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.fail = errors.New("connection refused")
	svc := NewService(st, logx.Nop())

	_, err := svc.ListActive(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("ListActive err = %v, want UnavailableError", err)
	}
	_, err = svc.GetByID(context.Background(), 1)
	if !IsUnavailable(err) {
		t.Fatalf("GetByID err = %v, want UnavailableError", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	t.Parallel()
	svc := NewService(newMemStore(), logx.Nop())
	if _, err := svc.GetByID(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		r    Recipient
		want string
	}{
		{Recipient{FirstName: "Bo"}, "Bo"},
		{Recipient{Username: "bo"}, "@bo"},
		{Recipient{ChatID: 5}, "user 5"},
	}
	for _, tt := range tests {
		if got := tt.r.DisplayName(); got != tt.want {
			t.Fatalf("DisplayName() = %q, want %q", got, tt.want)
		}
	}
}
