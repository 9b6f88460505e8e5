package proxyclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeIdentityBlocked
	outcomeProxyAuth
	outcomeRateLimited
	outcomeTimeout
	outcomeConnection
	outcomeTerminalHTTP
)

type outcome struct {
	kind   outcomeKind
	status int
	err    error
}

// classify maps a transport result onto the retry matrix. err is the
// transport-level error (nil if a response was received), status the HTTP
// status code (0 if none).
func classify(status int, err error) outcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return outcome{kind: outcomeTimeout, err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return outcome{kind: outcomeTimeout, err: err}
		}
		if errors.Is(err, context.Canceled) {
			return outcome{kind: outcomeTimeout, err: err}
		}
		return outcome{kind: outcomeConnection, err: err}
	}

	switch {
	case status >= 200 && status < 300:
		return outcome{kind: outcomeOK, status: status}
	case status == http.StatusForbidden:
		return outcome{kind: outcomeIdentityBlocked, status: status}
	case status == http.StatusProxyAuthRequired:
		return outcome{kind: outcomeProxyAuth, status: status}
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return outcome{kind: outcomeRateLimited, status: status}
	default:
		return outcome{kind: outcomeTerminalHTTP, status: status}
	}
}

func (o outcome) errorKind() ErrorKind {
	switch o.kind {
	case outcomeIdentityBlocked:
		return KindIdentityBlocked
	case outcomeProxyAuth:
		return KindProxyAuth
	case outcomeRateLimited:
		return KindRateLimited
	case outcomeTimeout:
		return KindTimeout
	case outcomeConnection:
		return KindConnection
	case outcomeTerminalHTTP:
		return KindUpstreamHTTP
	}
	return ""
}

// retryDelay is the base delay before the next attempt; jitter is added by
// the caller. attempt is zero-based.
func retryDelay(o outcome, attempt int) time.Duration {
	switch o.kind {
	case outcomeIdentityBlocked:
		return 3 * time.Second
	case outcomeProxyAuth:
		return 0
	case outcomeRateLimited:
		return time.Duration(1<<uint(attempt)) * time.Second
	case outcomeTimeout:
		return time.Second
	case outcomeConnection:
		return 2 * time.Second
	}
	return 0
}

// jitterCap is the upper bound for the random jitter added on top of
// retryDelay for the given outcome.
func jitterCap(o outcome) time.Duration {
	switch o.kind {
	case outcomeIdentityBlocked:
		return 2 * time.Second
	case outcomeConnection:
		return time.Second
	}
	return 0
}
