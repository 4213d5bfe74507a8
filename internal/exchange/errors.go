package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported is returned for optional operations a venue does not offer.
var ErrNotSupported = errors.New("exchange: operation not supported")

// AuthError means the venue rejected our credentials or signature. Never
// retried.
type AuthError struct {
	Venue string
	Msg   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth error: %s", e.Venue, e.Msg)
}

// NonceError means the venue rejected the request nonce. Callers retry with a
// fresh nonce up to a small bound.
type NonceError struct {
	Venue string
	Msg   string
}

func (e *NonceError) Error() string {
	return fmt.Sprintf("%s: nonce rejected: %s", e.Venue, e.Msg)
}

// RateLimitError carries the venue's requested backoff when it provides one.
type RateLimitError struct {
	Venue      string
	RetryAfter time.Duration
	Msg        string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s): %s", e.Venue, e.RetryAfter, e.Msg)
}

type InsufficientFundsError struct {
	Venue string
	Pair  string
	Msg   string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: insufficient funds for %s: %s", e.Venue, e.Pair, e.Msg)
}

type MarketClosedError struct {
	Venue string
	Pair  string
}

func (e *MarketClosedError) Error() string {
	return fmt.Sprintf("%s: market closed for %s", e.Venue, e.Pair)
}

// TransientError covers timeouts, 5xx responses and connection failures.
// Callers may retry with backoff.
type TransientError struct {
	Venue string
	Msg   string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient error: %s", e.Venue, e.Msg)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentRejectError is a venue rejection that retrying cannot fix
// (malformed order, unknown pair, size below minimum).
type PermanentRejectError struct {
	Venue  string
	Code   string
	Reason string
}

func (e *PermanentRejectError) Error() string {
	return fmt.Sprintf("%s: rejected [%s]: %s", e.Venue, e.Code, e.Reason)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsNonce(err error) bool {
	var e *NonceError
	return errors.As(err, &e)
}

// IsRateLimit reports whether err is a rate limit and the backoff the venue
// asked for (zero when it did not say).
func IsRateLimit(err error) (time.Duration, bool) {
	var e *RateLimitError
	if errors.As(err, &e) {
		return e.RetryAfter, true
	}
	return 0, false
}

func IsInsufficientFunds(err error) bool {
	var e *InsufficientFundsError
	return errors.As(err, &e)
}

func IsMarketClosed(err error) bool {
	var e *MarketClosedError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

func IsPermanentReject(err error) bool {
	var e *PermanentRejectError
	return errors.As(err, &e)
}
