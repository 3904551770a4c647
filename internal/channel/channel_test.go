package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
		hint      time.Duration
	}{
		{"nil", nil, false, false, 0},
		{"plain", base, true, false, 0},
		{"transient", Transient(base, 0), true, false, 0},
		{"flood", Transient(base, 3*time.Second), true, false, 3 * time.Second},
		{"wrapped flood", fmt.Errorf("send: %w", Transient(base, time.Second)), true, false, time.Second},
		{"permanent", Permanent(base, "recipient blocked the bot"), false, true, 0},
		{"cancelled", context.Canceled, false, false, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.transient {
				t.Fatalf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Fatalf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
			if got := RetryAfterHint(tt.err); got != tt.hint {
				t.Fatalf("RetryAfterHint() = %v, want %v", got, tt.hint)
			}
		})
	}
}

func TestReason(t *testing.T) {
	t.Parallel()
	base := errors.New("Forbidden: bot was blocked by the user")
	if got := Reason(Permanent(base, "recipient blocked the bot")); got != "recipient blocked the bot" {
		t.Fatalf("Reason(permanent) = %q", got)
	}
	if got := Reason(Transient(base, time.Second)); got != base.Error() {
		t.Fatalf("Reason(transient) = %q", got)
	}
	if !errors.Is(Permanent(base, ""), base) {
		t.Fatal("Permanent should unwrap")
	}
}
