package delivery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorType is the classification attached to a failed delivery.
type ErrorType string

const (
	ErrorHTTP4xx           ErrorType = "HTTP_4XX"
	ErrorHTTP5xx           ErrorType = "HTTP_5XX"
	ErrorSocketTimeout     ErrorType = "SOCKET_TIMEOUT"
	ErrorConnectionRefused ErrorType = "CONNECTION_REFUSED"
	ErrorSSLHandshake      ErrorType = "SSL_HANDSHAKE"
	ErrorUnknownHost       ErrorType = "UNKNOWN_HOST"
	ErrorUnknown           ErrorType = "UNKNOWN"
)

// IsClient reports whether the failure was the destination rejecting the
// request. Client failures disable a destination immediately.
func (t ErrorType) IsClient() bool {
	return t == ErrorHTTP4xx
}

// IsServer reports whether the failure counts toward the server error streak.
func (t ErrorType) IsServer() bool {
	switch t {
	case ErrorHTTP5xx, ErrorSocketTimeout, ErrorConnectionRefused, ErrorSSLHandshake, ErrorUnknownHost:
		return true
	default:
		return false
	}
}

// ParseErrorType maps a connector supplied label onto an ErrorType.
func ParseErrorType(raw string) ErrorType {
	candidate := ErrorType(strings.ToUpper(strings.TrimSpace(raw)))
	switch candidate {
	case ErrorHTTP4xx, ErrorHTTP5xx, ErrorSocketTimeout, ErrorConnectionRefused, ErrorSSLHandshake, ErrorUnknownHost:
		return candidate
	default:
		return ErrorUnknown
	}
}

// FromStatus classifies an HTTP status code. ok is false for non-error codes.
func FromStatus(code int) (ErrorType, bool) {
	switch {
	case code >= 400 && code < 500:
		return ErrorHTTP4xx, true
	case code >= 500 && code < 600:
		return ErrorHTTP5xx, true
	default:
		return "", false
	}
}

// Classify inspects a transport error returned by an HTTP client.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return ErrorUnknownHost
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorConnectionRefused
	}
	if isTLSError(err) {
		return ErrorSSLHandshake
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorSocketTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorSocketTimeout
	}
	return ErrorUnknown
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
