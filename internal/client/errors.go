package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a channel failure for the retry policy.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindPermanent   ErrorKind = "permanent"
)

// Error is returned by channel adapters for every failed call.
type Error struct {
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }
func Permanent(err error) error { return &Error{Kind: KindPermanent, Err: err} }

func RateLimited(err error, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the kind carried by err. Unclassified errors are treated
// as transient.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the server supplied cooldown, zero when unknown.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
