package chain

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected means an adapter method was called before Connect.
	ErrNotConnected = errors.New("chain: adapter not connected")
	// ErrRangeTooLarge means the endpoint rejected a log query span. The
	// processor may halve the range and retry.
	ErrRangeTooLarge = errors.New("chain: block range too large")
	// ErrRpcTimeout means the per-call deadline elapsed.
	ErrRpcTimeout = errors.New("chain: rpc timeout")
	// ErrReceiptMissing means a receipt stayed 404 through the retry budget.
	ErrReceiptMissing = errors.New("chain: receipt missing")
	// ErrChainUnsupported means no adapter exists for the chain type.
	ErrChainUnsupported = errors.New("chain: unsupported chain type")
	// ErrCreationUnknown means the chain cannot reveal the creation block.
	ErrCreationUnknown = errors.New("chain: creation block unknown")
)

// rangeTooLargeMarkers are substrings providers use when a getLogs span
// exceeds their limit. Matching any of them maps the error to
// ErrRangeTooLarge so the caller can halve and retry.
var rangeTooLargeMarkers = []string{
	"query returned more than",
	"block range",
	"range too large",
	"exceed maximum block range",
	"too many results",
	"limit exceeded",
}

func isRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rangeTooLargeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether the error is worth retrying: timeouts,
// connection drops, 5xx-style provider hiccups, missing receipts, and
// stalled rate-limit acquisitions.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRpcTimeout) || errors.Is(err, ErrReceiptMissing) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"eof",
		"temporarily unavailable",
		"too many requests",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"rate limit stalled",
		"not found", // transient receipt 404s
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsPermanent reports whether the error indicates the endpoint will never
// serve the request (unsupported method, 4xx other than 429).
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChainUnsupported) || errors.Is(err, ErrNotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"method not found",
		"method not supported",
		"not implemented",
		"unauthorized",
		"forbidden",
		"invalid api key",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
