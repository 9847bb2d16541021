package fault

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// FromHTTPStatus classifies an upstream HTTP response status. A nil return
// means the call succeeded. Transport errors go through FromHTTPError.
func FromHTTPStatus(op string, status int) error {
	if status < 400 {
		return nil
	}
	var kind Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = Timeout
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		kind = Unavailable
	case status == http.StatusNotFound:
		kind = NotFound
	case status == http.StatusConflict || status == http.StatusLocked:
		kind = Conflict
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = Unauthorized
	case status >= 500:
		// A 5xx means the server failed, not the request. Statuses without
		// a sharper mapping stay retryable.
		kind = Transient
	default:
		kind = Invalid
	}
	return New(kind, op, fmt.Errorf("http status %d", status))
}

// FromHTTPResponse classifies resp and folds in the Retry-After header when
// the server sent one.
func FromHTTPResponse(op string, resp *http.Response) error {
	err := FromHTTPStatus(op, resp.StatusCode)
	if err == nil {
		return nil
	}
	fe := err.(*Error)
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
			fe.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return fe
}

// FromHTTPError classifies a transport-level error from an HTTP client call.
func FromHTTPError(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Timeout, op, err)
		}
		return New(Unavailable, op, err)
	}
	switch KindOf(err) {
	case Canceled:
		return New(Canceled, op, err)
	case Timeout:
		return New(Timeout, op, err)
	}
	return New(Unavailable, op, err)
}
