package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure. The coordinator uses it to decide
// how a failed target is reported; callers can use it to decide whether a
// retry could ever help (auth and validation failures cannot).
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth: the vendor rejected the credential (401/403-equivalent).
	KindAuth
	// KindRateLimit: the vendor throttled the request.
	KindRateLimit
	// KindProtocol: the response shape was malformed or unexpected.
	KindProtocol
	// KindUnavailable: network failure, timeout, or vendor-side outage.
	KindUnavailable
	// KindMissingCredential: synthesized by the coordinator; the adapter is
	// never invoked.
	KindMissingCredential
	// KindInvalidTarget: unknown provider id, or a model outside the
	// provider's supported set.
	KindInvalidTarget
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindProtocol:
		return "protocol"
	case KindUnavailable:
		return "unavailable"
	case KindMissingCredential:
		return "missing_credential"
	case KindInvalidTarget:
		return "invalid_target"
	default:
		return "unknown"
	}
}

// Error is the failure type produced by adapters and the coordinator's
// target resolution. Status is the upstream HTTP status when one exists.
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// NewError builds a classified provider error.
func NewError(providerID string, kind Kind, format string, args ...any) *Error {
	return &Error{Provider: providerID, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrFromStatus classifies a non-2xx upstream response.
// 401/403 map to auth, 429 to throttling, 5xx to unavailable, and any
// other 4xx to a protocol fault (we sent something the vendor rejects).
func ErrFromStatus(providerID string, status int, body string) *Error {
	kind := KindProtocol
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status >= 500:
		kind = KindUnavailable
	}
	return &Error{Provider: providerID, Kind: kind, Status: status, Message: body}
}

// ErrUnavailable wraps a transport-level failure (dial, TLS, timeout).
func ErrUnavailable(providerID string, err error) *Error {
	return &Error{Provider: providerID, Kind: KindUnavailable, Message: err.Error()}
}

// KindOf extracts the Kind from any error in the chain, KindUnknown
// otherwise.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
