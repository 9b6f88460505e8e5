package proxyclient

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindConnection       ErrorKind = "connection_error"
	KindProxyAuth        ErrorKind = "proxy_auth_rejected"
	KindIdentityBlocked  ErrorKind = "identity_blocked"
	KindRateLimited      ErrorKind = "rate_limited"
	KindUpstreamHTTP     ErrorKind = "upstream_http_error"
	KindMalformedBody    ErrorKind = "malformed_response"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindEnvelopeCooldown ErrorKind = "envelope_cooldown"
)

// FetchError is the terminal error shape surfaced by Fetch, carrying the
// last classification of an exhausted attempt sequence.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 && e.Err != nil {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification of an error returned by Fetch,
// or "" if the error did not come from this package.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsUnavailable reports whether the error means the upstream should not be
// called right now and a static fallback should be preferred instead.
func IsUnavailable(err error) bool {
	switch KindOf(err) {
	case KindCircuitOpen, KindEnvelopeCooldown:
		return true
	}
	return false
}

// ErrMalformedBody should be wrapped by CheckEnvelope implementations when
// the body is not parseable at all (HTML where JSON was expected and the
// like). It is terminal: the upstream answered definitively, retrying with a
// new identity will not change the payload.
var ErrMalformedBody = errors.New("malformed upstream response body")
