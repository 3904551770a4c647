package campaign_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/eventbus"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []campaign.Campaign
	deleted    []delivery.MessageRef
	failChat   int64
}

func (f *fakeDispatcher) Dispatch(c campaign.Campaign) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, c)
	f.mu.Unlock()
}

func (f *fakeDispatcher) DeleteMessage(_ context.Context, ref delivery.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref.ChatID == f.failChat {
		return errors.New("message can't be deleted")
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fixture struct {
	ctl   *campaign.Controller
	store *storage.Memory
	disp  *fakeDispatcher
	bus   eventbus.Bus
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	bus := eventbus.New()
	f := &fixture{store: st, disp: &fakeDispatcher{}, bus: bus, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	f.ctl = campaign.NewController(campaign.Deps{Store: st, Logs: st, Audit: st, Recipients: countsOf{st}, Bus: bus}, logx.Nop())
	f.ctl.SetClock(func() time.Time { return f.now })
	f.ctl.SetDispatcher(f.disp)
	return f
}

type countsOf struct{ st *storage.Memory }

func (c countsOf) Counts(ctx context.Context) (int, int, error) { return c.st.CountRecipients(ctx) }

func textSpec(recipients ...int64) campaign.Spec {
	return campaign.Spec{
		Title:      "hello",
		Content:    campaign.Content{Kind: campaign.KindText, Body: "hi"},
		Recipients: recipients,
	}
}

func TestCreateRejectsPhotoWithoutMedia(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctl.Create(ctx, "admin", campaign.Spec{
		Title:   "promo",
		Content: campaign.Content{Kind: campaign.KindPhoto, Body: "look"},
	})
	var ve *campaign.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Create() err = %v, want ValidationError", err)
	}
	if !ve.Has("content.media") {
		t.Fatalf("fields = %+v, want content.media", ve.Fields)
	}
	if !errors.Is(err, campaign.ErrValidation) {
		t.Fatal("errors.Is(err, ErrValidation) = false")
	}
	list, _ := f.ctl.List(ctx, campaign.Filter{}, campaign.Page{})
	if len(list) != 0 {
		t.Fatalf("List() = %d campaigns, want 0", len(list))
	}
}

func TestCreateDefaultsAndDraft(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c, err := f.ctl.Create(context.Background(), "admin", campaign.Spec{Title: "  t  ", Content: campaign.Content{Body: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != campaign.StatusDraft || c.Version != 1 || c.ID == "" {
		t.Fatalf("Create() = %+v", c)
	}
	if c.Title != "t" || c.Content.Kind != campaign.KindText || c.Content.Render != campaign.RenderPlain {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.CreatedBy != "admin" || !c.CreatedAt.Equal(f.now) {
		t.Fatalf("CreatedBy/CreatedAt = %q/%v", c.CreatedBy, c.CreatedAt)
	}
}

func TestSendNowHandsOffOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.ctl.Create(ctx, "admin", textSpec(1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}

	const callers = 16
	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctl.SendNow(ctx, "admin", c.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, campaign.ErrInvalidState):
				lost.Add(1)
			default:
				t.Errorf("SendNow() unexpected err = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || lost.Load() != callers-1 {
		t.Fatalf("wins=%d lost=%d, want 1/%d", wins.Load(), lost.Load(), callers-1)
	}
	if got := f.disp.count(); got != 1 {
		t.Fatalf("dispatched %d times, want 1", got)
	}
	got, _ := f.ctl.Get(ctx, c.ID)
	if got.Status != campaign.StatusSending {
		t.Fatalf("Status = %s, want sending", got.Status)
	}
}

func TestSendNowRequiresRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.ctl.Create(ctx, "admin", textSpec())
	_, err := f.ctl.SendNow(ctx, "admin", c.ID)
	var ve *campaign.ValidationError
	if !errors.As(err, &ve) || !ve.Has("recipients") {
		t.Fatalf("SendNow() err = %v, want recipients violation", err)
	}
	if f.disp.count() != 0 {
		t.Fatal("dispatcher should not be called")
	}
}

func TestSendNowNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.ctl.SendNow(context.Background(), "admin", "missing")
	var nf *campaign.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestStateMachine(t *testing.T) {
	t.Parallel()

	// each case drives a fresh campaign to "from" and then applies op
	type op func(f *fixture, id string) error
	send := func(f *fixture, id string) error {
		_, err := f.ctl.SendNow(context.Background(), "admin", id)
		return err
	}
	schedule := func(f *fixture, id string) error {
		_, err := f.ctl.Schedule(context.Background(), "admin", id, f.now.Add(time.Hour))
		return err
	}
	cancel := func(f *fixture, id string) error {
		_, err := f.ctl.Cancel(context.Background(), "admin", id)
		return err
	}
	update := func(f *fixture, id string) error {
		_, err := f.ctl.Update(context.Background(), "admin", id, textSpec(9))
		return err
	}
	del := func(f *fixture, id string) error { return f.ctl.Delete(context.Background(), "admin", id) }
	retract := func(f *fixture, id string) error {
		_, err := f.ctl.Retract(context.Background(), "admin", id)
		return err
	}

	reach := map[campaign.Status][]op{
		campaign.StatusDraft:     nil,
		campaign.StatusScheduled: {schedule},
		campaign.StatusSending:   {send},
		campaign.StatusCompleted: {send, func(f *fixture, id string) error {
			_, err := f.ctl.Complete(context.Background(), id, 1)
			return err
		}},
		campaign.StatusCancelled: {schedule, cancel},
	}

	tests := []struct {
		name string
		from campaign.Status
		op   op
		ok   bool
	}{
		{"send draft", campaign.StatusDraft, send, true},
		{"send scheduled", campaign.StatusScheduled, send, true},
		{"send sending", campaign.StatusSending, send, false},
		{"send completed", campaign.StatusCompleted, send, false},
		{"send cancelled", campaign.StatusCancelled, send, false},
		{"schedule draft", campaign.StatusDraft, schedule, true},
		{"schedule scheduled", campaign.StatusScheduled, schedule, false},
		{"cancel draft", campaign.StatusDraft, cancel, false},
		{"cancel scheduled", campaign.StatusScheduled, cancel, true},
		{"cancel sending", campaign.StatusSending, cancel, false},
		{"cancel completed", campaign.StatusCompleted, cancel, false},
		{"update draft", campaign.StatusDraft, update, true},
		{"update scheduled", campaign.StatusScheduled, update, true},
		{"update sending", campaign.StatusSending, update, false},
		{"delete draft", campaign.StatusDraft, del, true},
		{"delete cancelled", campaign.StatusCancelled, del, true},
		{"delete sending", campaign.StatusSending, del, false},
		{"delete completed", campaign.StatusCompleted, del, false},
		{"retract draft", campaign.StatusDraft, retract, false},
		{"retract completed", campaign.StatusCompleted, retract, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			c, err := f.ctl.Create(context.Background(), "admin", textSpec(1))
			if err != nil {
				t.Fatal(err)
			}
			for _, step := range reach[tt.from] {
				if err := step(f, c.ID); err != nil {
					t.Fatalf("reaching %s: %v", tt.from, err)
				}
			}
			err = tt.op(f, c.ID)
			if tt.ok && err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, campaign.ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestScheduleMustBeFuture(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.ctl.Create(ctx, "admin", textSpec(1))
	_, err := f.ctl.Schedule(ctx, "admin", c.ID, f.now)
	var ve *campaign.ValidationError
	if !errors.As(err, &ve) || !ve.Has("scheduled_at") {
		t.Fatalf("Schedule(now) err = %v", err)
	}
	at := f.now.Add(5 * time.Minute)
	got, err := f.ctl.Schedule(ctx, "admin", c.ID, at)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != campaign.StatusScheduled || got.ScheduledAt == nil || !got.ScheduledAt.Equal(at) {
		t.Fatalf("Schedule() = %+v", got)
	}

	// state is checked before the time
	s, _ := f.ctl.Create(ctx, "admin", textSpec(1))
	if _, err := f.ctl.SendNow(ctx, "admin", s.ID); err != nil {
		t.Fatal(err)
	}
	_, err = f.ctl.Schedule(ctx, "admin", s.ID, f.now.Add(-time.Hour))
	if !errors.Is(err, campaign.ErrInvalidState) {
		t.Fatalf("Schedule(sending, past) err = %v, want ErrInvalidState", err)
	}
}

func TestCancelledIsNotDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.ctl.Create(ctx, "admin", textSpec(1))
	if _, err := f.ctl.Schedule(ctx, "admin", c.ID, f.now.Add(5*time.Minute)); err != nil {
		t.Fatal(err)
	}
	due, _ := f.ctl.Due(ctx, f.now.Add(10*time.Minute), 10)
	if len(due) != 1 {
		t.Fatalf("Due() = %d, want 1", len(due))
	}
	got, err := f.ctl.Cancel(ctx, "admin", c.ID)
	if err != nil || got.Status != campaign.StatusCancelled {
		t.Fatalf("Cancel() = %+v, %v", got, err)
	}
	due, _ = f.ctl.Due(ctx, f.now.Add(10*time.Minute), 10)
	if len(due) != 0 {
		t.Fatalf("Due() after cancel = %d, want 0", len(due))
	}
}

func TestCompleteRecordsSentCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	c, _ := f.ctl.Create(ctx, "admin", textSpec(1, 2))
	if _, err := f.ctl.SendNow(ctx, "admin", c.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.ctl.Progress(ctx, c.ID, 1); err != nil {
		t.Fatal(err)
	}
	done, err := f.ctl.Complete(ctx, c.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != campaign.StatusCompleted || done.SentCount != 2 || done.CompletedAt == nil {
		t.Fatalf("Complete() = %+v", done)
	}
	if _, err := f.ctl.Complete(ctx, c.ID, 2); !errors.Is(err, campaign.ErrInvalidState) {
		t.Fatalf("second Complete() err = %v", err)
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	for _, typ := range []string{eventbus.CampaignCreated, eventbus.CampaignSending, eventbus.CampaignCompleted} {
		if !seen[typ] {
			t.Fatalf("missing event %s in %v", typ, seen)
		}
	}

	audit, _ := f.store.ListAudit(ctx, c.ID, 0)
	if len(audit) < 3 {
		t.Fatalf("audit records = %d, want >= 3", len(audit))
	}
}

func TestDeleteRemovesLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.ctl.Create(ctx, "admin", textSpec(1))
	_, _, _ = f.store.InsertLogIfAbsent(ctx, delivery.Entry{CampaignID: c.ID, RecipientID: 1, Status: delivery.StatusPending})

	if err := f.ctl.Delete(ctx, "admin", c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctl.Get(ctx, c.ID); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("Get() after delete err = %v", err)
	}
	logs, _ := f.store.ListLogs(ctx, delivery.Filter{CampaignID: c.ID}, 0, 0)
	if len(logs) != 0 {
		t.Fatalf("logs left = %d", len(logs))
	}
}

func TestRetract(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.ctl.Create(ctx, "admin", textSpec(1, 2, 3, 4))
	if _, err := f.ctl.SendNow(ctx, "admin", c.ID); err != nil {
		t.Fatal(err)
	}

	seed := func(rid int64, status delivery.Status, chat int64) {
		e, _, err := f.store.InsertLogIfAbsent(ctx, delivery.Entry{CampaignID: c.ID, RecipientID: rid, Status: delivery.StatusPending, CreatedAt: f.now})
		if err != nil {
			t.Fatal(err)
		}
		var next delivery.Entry
		if status == delivery.StatusFailed {
			next, err = delivery.Fail(e, "recipient inactive", f.now)
		} else {
			next, err = delivery.Advance(e, status, f.now)
			next.Ref = delivery.MessageRef{ChatID: chat, MessageID: int(rid)}
		}
		if err != nil {
			t.Fatal(err)
		}
		next.Version = e.Version + 1
		if err := f.store.UpdateLog(ctx, next, e.Version); err != nil {
			t.Fatal(err)
		}
	}
	seed(1, delivery.StatusSent, 100)
	seed(2, delivery.StatusSent, 200)
	seed(3, delivery.StatusFailed, 0)
	seed(4, delivery.StatusSent, 400)
	f.disp.failChat = 200

	if _, err := f.ctl.Complete(ctx, c.ID, 3); err != nil {
		t.Fatal(err)
	}

	res, err := f.ctl.Retract(ctx, "admin", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 2 || res.Failed != 1 || res.Skipped != 1 {
		t.Fatalf("Retract() = %+v, want deleted=2 failed=1 skipped=1", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].RecipientID != 2 {
		t.Fatalf("Failures = %+v", res.Failures)
	}

	got, _ := f.store.GetLog(ctx, c.ID, 1)
	if got.RetractedAt == nil {
		t.Fatal("RetractedAt not set")
	}
	cp, _ := f.ctl.Get(ctx, c.ID)
	if cp.Status != campaign.StatusCompleted {
		t.Fatalf("Status = %s, want completed", cp.Status)
	}

	// repeat only retries the one that failed
	f.disp.failChat = 0
	res, err = f.ctl.Retract(ctx, "admin", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || res.Skipped != 3 {
		t.Fatalf("second Retract() = %+v", res)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.ctl.Create(ctx, "admin", textSpec(1, 2))
	_, _ = f.ctl.Create(ctx, "admin", textSpec(1))
	e1, _, _ := f.store.InsertLogIfAbsent(ctx, delivery.Entry{CampaignID: c.ID, RecipientID: 1, Status: delivery.StatusPending})
	e2, _, _ := f.store.InsertLogIfAbsent(ctx, delivery.Entry{CampaignID: c.ID, RecipientID: 2, Status: delivery.StatusPending})
	s1, _ := delivery.Advance(e1, delivery.StatusSent, f.now)
	s1.Version = e1.Version + 1
	_ = f.store.UpdateLog(ctx, s1, e1.Version)
	s2, _ := delivery.Fail(e2, "blocked", f.now)
	s2.Version = e2.Version + 1
	_ = f.store.UpdateLog(ctx, s2, e2.Version)

	st, err := f.ctl.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Campaigns != 2 || st.CampaignsByStatus[campaign.StatusDraft] != 2 {
		t.Fatalf("campaign counts = %+v", st)
	}
	if st.LogsTotal != 2 || st.Logs[delivery.StatusFailed] != 1 {
		t.Fatalf("log counts = %+v", st.Logs)
	}
	if st.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", st.SuccessRate)
	}
}
