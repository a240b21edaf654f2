package directory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCredentialInvalid is returned when the remote rejects an access token.
var ErrCredentialInvalid = errors.New("directory: credential invalid")

// RateLimitedError reports an exhausted quota window. Reset is the instant the
// quota refills.
type RateLimitedError struct {
	Op    string
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("directory: %s rate limited until %s", e.Op, e.Reset.UTC().Format(time.RFC3339))
}

// RemoteError is any other failure talking to the remote: transport errors,
// unexpected statuses, malformed bodies.
type RemoteError struct {
	Op     string
	Status int
	Code   int
	Detail string
	Err    error
}

func (e *RemoteError) Error() string {
	msg := "directory: " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code %d", e.Code)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Class is the scheduling-relevant category of a remote failure.
type Class int

const (
	ClassNone Class = iota
	ClassRateLimited
	ClassCredential
	// ClassCanceled is an explicit context.Canceled. A timeout is transient:
	// callers decide shutdown from their own ctx, not from the error.
	ClassCanceled
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	case ClassCredential:
		return "credential"
	case ClassCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// Classify maps err onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.Is(err, ErrCredentialInvalid):
		return ClassCredential
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassTransient
	}
}

// ResetAt extracts the quota reset instant from a rate-limit error.
func ResetAt(err error) (time.Time, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Reset, true
	}
	return time.Time{}, false
}
