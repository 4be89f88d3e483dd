package checker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// CodeTLSFailure is the pseudo HTTP code recorded when the TLS handshake
// fails. Real status codes never exceed 599.
const CodeTLSFailure = 1000

// Error codes attached to results that did not produce a usable response.
const (
	ErrorInvalidURL       = "invalid_url"
	ErrorTimeout          = "timeout"
	ErrorDNS              = "dns_resolution_failed"
	ErrorConnection       = "connection_failed"
	ErrorTLS              = "tls_failure"
	ErrorTooManyRedirects = "too_many_redirects"
	ErrorCanceled         = "canceled"
	ErrorUnknown          = "unknown_error"
)

// slowFailureRatio marks connection failures that took nearly the whole
// timeout; those behave like timeouts.
const slowFailureRatio = 0.9

// classifyCode decides whether an HTTP status is broken or a warning. Codes in
// [200, 400) and 401 are good; 429 means the site is throttling us and is only
// a warning; everything else, including 0, is broken.
func classifyCode(code int) (broken, warning bool) {
	switch {
	case code >= 200 && code < 400, code == http.StatusUnauthorized:
		return false, false
	case code == http.StatusTooManyRequests:
		return false, true
	default:
		return true, false
	}
}

func isRedirectCode(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

type outcome struct {
	code       int
	broken     bool
	warning    bool
	timeout    bool
	statusText string
	errorCode  string
}

// classifyError maps a transport failure to an outcome.
func classifyError(err error, elapsed, timeout time.Duration) outcome {
	timedOut := outcome{broken: true, timeout: true, statusText: "Timeout", errorCode: ErrorTimeout}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return timedOut
		}
		return outcome{warning: true, statusText: "Server Not Found", errorCode: ErrorDNS}
	}
	if isTimeout(err) {
		return timedOut
	}
	if isTLSError(err) {
		return outcome{code: CodeTLSFailure, broken: true, statusText: "TLS Error", errorCode: ErrorTLS}
	}
	if isConnectionFailure(err) {
		if timeout > 0 && float64(elapsed) >= slowFailureRatio*float64(timeout) {
			return timedOut
		}
		return outcome{warning: true, statusText: "Connection Failed", errorCode: ErrorConnection}
	}
	if errors.Is(err, context.Canceled) {
		return outcome{warning: true, statusText: "Request Canceled", errorCode: ErrorCanceled}
	}
	return outcome{broken: true, statusText: "Unknown Error", errorCode: ErrorUnknown}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var (
		verifyErr  *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &invalidErr):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls: ") || strings.Contains(msg, "x509: ")
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
