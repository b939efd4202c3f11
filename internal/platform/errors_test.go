package platform

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	base := E(KindAuthInvalid, "userapi.auth", errors.New("session revoked"))
	wrapped := fmt.Errorf("connect agent 7: %w", base)

	if got := KindOf(wrapped); got != KindAuthInvalid {
		t.Fatalf("KindOf = %v, want auth_invalid", got)
	}
	if KindOf(errors.New("plain")) != KindTransient {
		t.Fatal("unclassified error should be transient")
	}
	if KindOf(nil) != KindTransient {
		t.Fatal("nil error should be transient")
	}
}

func TestFloodCarriesRetryAfter(t *testing.T) {
	err := Flood("send_text", 2*time.Minute, errors.New("FLOOD_WAIT"))
	if !IsFlood(err) {
		t.Fatal("IsFlood = false")
	}
	if got := RetryAfter(err); got != 2*time.Minute {
		t.Fatalf("RetryAfter = %s", got)
	}

	wrapped := fmt.Errorf("attempt 1: %w", err)
	if !IsFlood(wrapped) || RetryAfter(wrapped) != 2*time.Minute {
		t.Fatal("flood metadata lost through wrapping")
	}

	if RetryAfter(errors.New("plain")) != 0 {
		t.Fatal("RetryAfter on plain error should be 0")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Flood("send_text", 30*time.Second, errors.New("too fast"))
	msg := err.Error()
	for _, want := range []string{"send_text", "flood", "too fast", "retry after 30s"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	if got := E(KindNotFound, "", errors.New("gone")).Error(); got != "not_found: gone" {
		t.Fatalf("message = %q", got)
	}
}
