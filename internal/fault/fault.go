// Package fault classifies pipeline failures so retry eligibility and job
// finalization are structural checks rather than error-message sniffing.
package fault

import (
	"errors"
	"fmt"
)

// Kind partitions every failure the pipeline can surface.
type Kind int

const (
	// KindUnknown covers errors that carry no classification. Treated as
	// non-retryable.
	KindUnknown Kind = iota
	// KindValidation: malformed predicates, missing quest rules, bad input.
	// Fails the job, never retried.
	KindValidation
	// KindExtraction: the receipt yielded no usable fields. Never retried.
	KindExtraction
	// KindPolicy: budget exhausted, spend policy rejected, velocity exceeded.
	// Terminal for the payout job, never retried automatically.
	KindPolicy
	// KindTransient: network/timeout class failures against the extractor,
	// authorizer, or transfer rail. Retried with backoff.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExtraction:
		return "extraction"
	case KindPolicy:
		return "policy"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind. It supports errors.Is/As chains.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind carried anywhere in the error chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error is eligible for retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
