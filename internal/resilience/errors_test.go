package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_OpError(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")})
	if !IsTransient(err) {
		t.Error("net.OpError should be transient")
	}
}

func TestIsTransient_TransientKind(t *testing.T) {
	if !IsTransient(WithKind(KindTransient, errors.New("lock timeout"))) {
		t.Error("KindTransient should be transient")
	}
	if IsTransient(WithKind(KindStorage, errors.New("permission denied"))) {
		t.Error("KindStorage should not be transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422, 429}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}

	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner, 503)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"kind error", WithKind(KindConflict, errors.New("direction changed")), KindConflict},
		{"wrapped kind", fmt.Errorf("reduce: %w", WithKind(KindStorage, errors.New("conn closed"))), KindStorage},
		{"rate limit", &RateLimitError{RetryAfter: time.Second, Err: errors.New("429")}, KindRateLimited},
		{"transient", NewTransientError(errors.New("503"), 503), KindTransient},
		{"econnreset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsCritical(t *testing.T) {
	critical := []Kind{KindAuthentication, KindConflict, KindStorage, KindInternal}
	for _, k := range critical {
		if !IsCritical(WithKind(k, errors.New("x"))) {
			t.Errorf("expected %s to be critical", k)
		}
	}

	nonCritical := []Kind{KindUnknown, KindTransient, KindRateLimited, KindMalformed, KindNotFound, KindDependency}
	for _, k := range nonCritical {
		if IsCritical(WithKind(k, errors.New("x"))) {
			t.Errorf("expected %s to be non-critical", k)
		}
	}

	if IsCritical(nil) {
		t.Error("nil error should not be critical")
	}
}

func TestWithKind_Nil(t *testing.T) {
	if WithKind(KindStorage, nil) != nil {
		t.Error("WithKind(nil) should be nil")
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf(KindMalformed, "missing field %q", "id")
	if err.Error() != `missing field "id"` {
		t.Errorf("unexpected message %q", err.Error())
	}
	if KindOf(err) != KindMalformed {
		t.Errorf("expected malformed, got %s", KindOf(err))
	}
}

func TestIsRateLimited(t *testing.T) {
	rl := &RateLimitError{RetryAfter: 30 * time.Second, Err: errors.New("429")}
	got, ok := IsRateLimited(fmt.Errorf("list calls: %w", rl))
	if !ok || got.RetryAfter != 30*time.Second {
		t.Errorf("expected wrapped rate limit with 30s, got %v %v", got, ok)
	}
	if _, ok := IsRateLimited(errors.New("nope")); ok {
		t.Error("plain error should not be rate limited")
	}
}

func TestNewFailure(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFailure("call", "AC1", WithKind(KindStorage, errors.New("database is locked")), at)
	if f.Kind != "storage" || !f.Critical || f.RecordID != "AC1" || f.RecordType != "call" {
		t.Errorf("unexpected failure entry: %+v", f)
	}
	if !f.OccurredAt.Equal(at) {
		t.Errorf("unexpected time %v", f.OccurredAt)
	}
}

func TestNewFailure_TruncatesOnRuneBoundary(t *testing.T) {
	// 499 ASCII bytes followed by a 3-byte rune straddling the limit.
	msg := strings.Repeat("x", 499) + "語" + strings.Repeat("y", 10)
	f := NewFailure("message", "MSG1", errors.New(msg), time.Now())
	if !utf8.ValidString(f.Error) {
		t.Fatalf("truncated message is not valid UTF-8")
	}
	if len(f.Error) != 499 {
		t.Errorf("expected 499 bytes, got %d", len(f.Error))
	}
}

func TestWrapf_KeepsKind(t *testing.T) {
	base := WithKind(KindStorage, errors.New("database is locked"))
	err := Wrapf(base, "sqlite: %s", "insert activity")
	if KindOf(err) != KindStorage {
		t.Errorf("expected storage kind, got %s", KindOf(err))
	}
	if !strings.Contains(err.Error(), "insert activity") {
		t.Errorf("expected context in message, got %q", err.Error())
	}
	if Wrapf(nil, "x") != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}

func TestWrapf_KeepsRetryAfter(t *testing.T) {
	base := &RateLimitError{RetryAfter: 30 * time.Second, Err: errors.New("429")}
	err := Wrapf(base, "openphone: list calls")
	rl, ok := IsRateLimited(err)
	if !ok {
		t.Fatal("expected rate limit error to survive wrapping")
	}
	if rl.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %s, want 30s", rl.RetryAfter)
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("expected rate_limited kind, got %s", KindOf(err))
	}
}
