package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed send so the broadcaster can choose a
// recovery strategy without looking at error text.
type ErrorKind int

const (
	// KindUnknown is anything not otherwise classified. Retryable up to
	// the bound, then permanent for the run.
	KindUnknown ErrorKind = iota

	// KindConnectionLost means the transport connection is gone. Fatal:
	// the whole run aborts and the caller handles reconnection.
	KindConnectionLost

	// KindTimeout is a hung or expired send attempt. Retryable.
	KindTimeout

	// KindRateLimited covers platform throttling and "session not ready"
	// rejections. Retryable after a warm-up.
	KindRateLimited

	// KindNotMember means the account is not a member of the destination.
	// Permanent, never retried.
	KindNotMember
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection_lost"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindNotMember:
		return "not_member"
	default:
		return "unknown"
	}
}

// SendError wraps a transport failure with its classification. Adapters
// are the only place these are constructed.
type SendError struct {
	Kind ErrorKind
	Dest string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %s: %v", e.Dest, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError builds a classified send error.
func NewSendError(kind ErrorKind, dest string, err error) *SendError {
	return &SendError{Kind: kind, Dest: dest, Err: err}
}

// KindOf extracts the classification from err. Context deadline errors
// count as timeouts so a per-send watchdog converts a hang into a
// retryable failure; everything unclassified is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
