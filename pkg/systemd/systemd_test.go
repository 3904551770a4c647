package systemd

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestNotifyWithoutSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	for name, fn := range map[string]func() (bool, error){
		"ready":    Ready,
		"stopping": Stopping,
		"status":   func() (bool, error) { return Status("ok") },
	} {
		sent, err := fn()
		if sent || err != nil {
			t.Fatalf("%s = %v, %v; want false, nil", name, sent, err)
		}
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("WatchdogInterval = %s, want 0", d)
	}

	t.Setenv("WATCHDOG_USEC", strconv.Itoa(int((4 * time.Second).Microseconds())))
	if d := WatchdogInterval(); d != 2*time.Second {
		t.Fatalf("WatchdogInterval = %s, want 2s", d)
	}
}

func TestWatchdogReturnsWhenDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	done := make(chan struct{})
	go func() {
		Watchdog(context.Background(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog blocked with watchdog disabled")
	}
}
