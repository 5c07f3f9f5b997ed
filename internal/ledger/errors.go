package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Reason classifies why a ledger call failed.
type Reason string

const (
	ReasonDeclined          Reason = "declined"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonUnreachable       Reason = "unreachable"
	ReasonNotDeployed       Reason = "not_deployed"
	ReasonReverted          Reason = "reverted"
	ReasonNotOwner          Reason = "not_owner"
	ReasonTimeout           Reason = "timeout"
	ReasonUnknown           Reason = "unknown"
)

var (
	// ErrSubmission matches every SubmissionError.
	ErrSubmission = errors.New("ledger submission failed")
	// ErrSignerDeclined is returned by signers when the user refuses to sign.
	ErrSignerDeclined = errors.New("signer declined")
)

// SubmissionError is a recoverable ledger failure. Callers degrade to
// local-only recording instead of failing the user-visible action.
type SubmissionError struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// Retryable reports whether a later attempt may succeed without any change
// on the caller's side. A declined signature is terminal for the attempt.
func (e *SubmissionError) Retryable() bool {
	return e.Reason == ReasonUnreachable || e.Reason == ReasonTimeout
}

// ReasonOf extracts the failure reason, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonUnknown
}

// IsRetryable reports whether err is a retryable ledger failure.
func IsRetryable(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Retryable()
}

// classify wraps err into a SubmissionError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return err
	}
	return &SubmissionError{Op: op, Reason: reasonFor(err), Err: err}
}

func reasonFor(err error) Reason {
	if errors.Is(err, ErrSignerDeclined) {
		return ReasonDeclined
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return ReasonDeclined
	case strings.Contains(msg, "insufficient funds"):
		return ReasonInsufficientFunds
	case strings.Contains(msg, "only owner"):
		return ReasonNotOwner
	case strings.Contains(msg, "revert"):
		return ReasonReverted
	}
	var netErr net.Error
	var urlErr *url.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &opErr), errors.As(err, &urlErr), errors.As(err, &netErr):
		return ReasonUnreachable
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ReasonUnreachable
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unreachable"):
		return ReasonUnreachable
	}
	return ReasonUnknown
}
