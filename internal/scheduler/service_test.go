package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"pushbot/internal/campaign"
	"pushbot/internal/delivery"
	"pushbot/internal/storage"
	logx "pushbot/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// completingDispatcher finishes every campaign it receives with all targets sent.
type completingDispatcher struct {
	mu  sync.Mutex
	ctl *campaign.Controller
	ids []string
}

func (d *completingDispatcher) Dispatch(c campaign.Campaign) {
	d.mu.Lock()
	d.ids = append(d.ids, c.ID)
	d.mu.Unlock()
	_, _ = d.ctl.Complete(context.Background(), c.ID, len(c.Targets()))
}

func (d *completingDispatcher) DeleteMessage(context.Context, delivery.MessageRef) error { return nil }

func (d *completingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type fixture struct {
	clk  *clock
	ctl  *campaign.Controller
	disp *completingDispatcher
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	clk := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	ctl := campaign.NewController(campaign.Deps{Store: st, Logs: st, Audit: st}, logx.Nop())
	ctl.SetClock(clk.Now)
	disp := &completingDispatcher{ctl: ctl}
	ctl.SetDispatcher(disp)
	svc := New(Config{Enabled: true, Tick: time.Second}, ctl, logx.Nop())
	svc.SetClock(clk.Now)
	return &fixture{clk: clk, ctl: ctl, disp: disp, svc: svc}
}

func (f *fixture) scheduled(t *testing.T, in time.Duration) campaign.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.ctl.Create(ctx, "admin", campaign.Spec{
		Title:      "promo",
		Content:    campaign.Content{Kind: campaign.KindText, Body: "hello"},
		Recipients: []int64{1, 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = f.ctl.Schedule(ctx, "admin", c.ID, f.clk.Now().Add(in))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestScheduledCampaignFiresWhenDue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := f.scheduled(t, 5*time.Minute)

	fired, err := f.svc.Tick(ctx)
	if err != nil || fired != 0 {
		t.Fatalf("early Tick = %d, %v; want 0, nil", fired, err)
	}
	if got, _ := f.ctl.Get(ctx, c.ID); got.Status != campaign.StatusScheduled {
		t.Fatalf("status before due = %s, want scheduled", got.Status)
	}

	f.clk.Advance(5 * time.Minute)
	fired, err = f.svc.Tick(ctx)
	if err != nil || fired != 1 {
		t.Fatalf("Tick = %d, %v; want 1, nil", fired, err)
	}
	got, err := f.ctl.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != campaign.StatusCompleted || got.SentCount != 2 {
		t.Fatalf("campaign = %s sent=%d, want completed/2", got.Status, got.SentCount)
	}

	fired, _ = f.svc.Tick(ctx)
	if fired != 0 || len(f.disp.dispatched()) != 1 {
		t.Fatalf("second Tick fired=%d dispatched=%d, want 0/1", fired, len(f.disp.dispatched()))
	}
}

func TestCancelledCampaignNeverFires(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := f.scheduled(t, time.Minute)
	if _, err := f.ctl.Cancel(ctx, "admin", c.ID); err != nil {
		t.Fatal(err)
	}

	f.clk.Advance(time.Hour)
	fired, err := f.svc.Tick(ctx)
	if err != nil || fired != 0 {
		t.Fatalf("Tick = %d, %v; want 0, nil", fired, err)
	}
	if got, _ := f.ctl.Get(ctx, c.ID); got.Status != campaign.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if n := len(f.disp.dispatched()); n != 0 {
		t.Fatalf("dispatched = %d, want 0", n)
	}
}

func TestTickBatchesInScheduleOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.svc.Apply(Config{Enabled: true, Tick: time.Second, BatchSize: 2})
	ctx := context.Background()
	late := f.scheduled(t, 3*time.Minute)
	early := f.scheduled(t, time.Minute)
	mid := f.scheduled(t, 2*time.Minute)

	f.clk.Advance(10 * time.Minute)
	if fired, err := f.svc.Tick(ctx); err != nil || fired != 2 {
		t.Fatalf("Tick = %d, %v; want 2, nil", fired, err)
	}
	ids := f.disp.dispatched()
	if len(ids) != 2 || ids[0] != early.ID || ids[1] != mid.ID {
		t.Fatalf("dispatched = %v, want [%s %s]", ids, early.ID, mid.ID)
	}
	if fired, _ := f.svc.Tick(ctx); fired != 1 {
		t.Fatalf("follow-up Tick = %d, want 1", fired)
	}
	if ids := f.disp.dispatched(); ids[2] != late.ID {
		t.Fatalf("last dispatched = %s, want %s", ids[2], late.ID)
	}
}

func TestTrigger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "default", cfg: Config{}, want: "@every 5s"},
		{name: "tick", cfg: Config{Tick: 30 * time.Second}, want: "@every 30s"},
		{name: "spec wins", cfg: Config{Tick: time.Second, Spec: " */10 * * * * * "}, want: "*/10 * * * * *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := trigger(tt.cfg); got != tt.want {
				t.Fatalf("trigger = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: Config{}},
		{name: "five fields", cfg: Config{Spec: "*/5 * * * *"}},
		{name: "descriptor", cfg: Config{Spec: "@hourly", Timezone: "UTC"}},
		{name: "bad spec", cfg: Config{Spec: "every minute"}, wantErr: true},
		{name: "bad timezone", cfg: Config{Timezone: "Mars/Olympus"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := Validate(tt.cfg); (err != nil) != tt.wantErr {
				t.Fatalf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.svc.Start(ctx)
	f.svc.Start(ctx)
	f.svc.Apply(Config{Enabled: true, Tick: 2 * time.Second, Timezone: "Asia/Jakarta"})
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	f.svc.Stop(stopCtx)
	f.svc.Stop(stopCtx)
}
