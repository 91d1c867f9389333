package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestFromStatus(t *testing.T) {
	cases := map[int]ErrorType{
		400: ErrorHTTP4xx,
		404: ErrorHTTP4xx,
		408: ErrorHTTP4xx,
		500: ErrorHTTP5xx,
		503: ErrorHTTP5xx,
	}
	for code, want := range cases {
		got, ok := FromStatus(code)
		if !ok || got != want {
			t.Fatalf("status %d: expected %s, got %s (ok=%v)", code, want, got, ok)
		}
	}
	for _, code := range []int{200, 204, 302} {
		if _, ok := FromStatus(code); ok {
			t.Fatalf("status %d should not be classified as an error", code)
		}
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"refused", refused, ErrorConnectionRefused},
		{"unknown host", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, ErrorUnknownHost},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), ErrorSocketTimeout},
		{"tls", errors.New("remote error: tls: handshake failure"), ErrorSSLHandshake},
		{"other", errors.New("boom"), ErrorUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestErrorTypePredicates(t *testing.T) {
	if !ErrorHTTP4xx.IsClient() || ErrorHTTP4xx.IsServer() {
		t.Fatalf("4xx must be client-side only")
	}
	for _, et := range []ErrorType{ErrorHTTP5xx, ErrorSocketTimeout, ErrorConnectionRefused, ErrorSSLHandshake, ErrorUnknownHost} {
		if !et.IsServer() {
			t.Fatalf("%s must count as server-side", et)
		}
	}
	if ErrorUnknown.IsServer() || ErrorUnknown.IsClient() {
		t.Fatalf("unknown must not affect health")
	}
	if ParseErrorType("http_5xx") != ErrorHTTP5xx {
		t.Fatalf("expected case-insensitive parsing")
	}
	if ParseErrorType("whatever") != ErrorUnknown {
		t.Fatalf("expected unknown fallback")
	}
}
