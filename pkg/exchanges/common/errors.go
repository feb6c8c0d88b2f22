package common

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors shared across venue adapters.
var (
	// ErrInsufficientFunds is returned when the venue rejects an order for
	// lack of balance.
	ErrInsufficientFunds = errors.New("insufficient funds on venue")
	// ErrSymbolNotFound is returned when the venue does not trade the symbol.
	ErrSymbolNotFound = errors.New("symbol not found on venue")
	// ErrOrderRejected is returned for venue-side order validation failures.
	ErrOrderRejected = errors.New("order rejected by venue")
)

// RateLimitError indicates the venue asked us to slow down. Bots back off
// with a longer pause before the next iteration.
type RateLimitError struct {
	Venue      string
	RetryAfter string // venue hint, may be empty
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Venue, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Venue)
}

// IsRateLimit reports whether err is a venue rate-limit response.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// APIError carries a venue-reported error code and message.
type APIError struct {
	Venue   string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error %d: %s", e.Venue, e.Code, e.Message)
}

// IsNetwork reports whether err looks like a transient transport failure
// rather than a venue-level rejection.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"EOF",
		"TLS handshake",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
