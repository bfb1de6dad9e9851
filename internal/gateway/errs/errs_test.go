package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfTaggedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transport", Transport("srv", errors.New("boom")), KindTransport},
		{"handshake timeout", HandshakeTimeout("srv", errors.New("slow")), KindHandshakeTimeout},
		{"circuit open", CircuitOpen("srv", time.Minute), KindCircuitOpen},
		{"auth", AuthFailure("srv", errors.New("denied")), KindAuth},
		{"session", SessionExpired("srv", errors.New("gone")), KindSession},
		{"network", Network("srv", errors.New("refused")), KindNetwork},
		{"retry blocked", RetryBlocked("srv", "corr-1"), KindRetryBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOfWrappedTaggedError(t *testing.T) {
	inner := AuthFailure("srv", errors.New("token rejected"))
	wrapped := fmt.Errorf("call failed: %w", inner)

	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindAuth)
	}
}

func TestKindOfUntaggedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnclassified},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"401 shape", errors.New("request failed with status 401 Unauthorized"), KindAuth},
		{"session shape", errors.New("session not found or expired"), KindSession},
		{"connection refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"eof", errors.New("unexpected EOF"), KindNetwork},
		{"plain", errors.New("something odd happened"), KindUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitOpenCarriesRetryAfter(t *testing.T) {
	err := CircuitOpen("srv-a", 90*time.Second)

	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatal("expected *Error")
	}
	if gerr.ServerID != "srv-a" {
		t.Errorf("ServerID = %q, want srv-a", gerr.ServerID)
	}
	if gerr.RetryAfter != 90*time.Second {
		t.Errorf("RetryAfter = %v, want 90s", gerr.RetryAfter)
	}
}

func TestIsKind(t *testing.T) {
	err := SessionExpired("srv", errors.New("gone"))

	if !IsKind(err, KindSession) {
		t.Error("IsKind(session, KindSession) = false, want true")
	}
	if IsKind(err, KindAuth) {
		t.Error("IsKind(session, KindAuth) = true, want false")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Transport("srv", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}
