package proposal

import (
	"errors"
	"fmt"
	"time"

	"governance-sync/internal/models"
)

var (
	// ErrInvalidWindow is returned when a proposal's end is not after its start.
	ErrInvalidWindow = errors.New("proposal: end time must be after start time")
	// ErrPastStart is returned when a proposal would start in the past.
	ErrPastStart = errors.New("proposal: start time is in the past")
	// ErrInvalidDraft is returned for missing or oversized title/description.
	ErrInvalidDraft = errors.New("proposal: invalid draft")
	// ErrUnauthorized is returned when the actor lacks reviewer capability.
	ErrUnauthorized = errors.New("proposal: actor is not a reviewer")
	// ErrMissingReason is returned when rejecting without a reason.
	ErrMissingReason = errors.New("proposal: rejection reason required")
	// ErrInvalidTransition is returned for edges the lifecycle does not allow.
	ErrInvalidTransition = errors.New("proposal: invalid status transition")
	// ErrVotingClosed matches every WindowError.
	ErrVotingClosed = errors.New("proposal: voting closed")
)

// Window failure reasons.
const (
	WindowNotActive  = "not_active"
	WindowNotStarted = "not_started"
	WindowEnded      = "ended"
)

// WindowError reports a vote attempted outside the voting window or while
// the proposal is not Active. It is not retryable without a state change.
type WindowError struct {
	Reason string
	Status models.ProposalStatus
	Start  time.Time
	End    time.Time
	At     time.Time
}

func (e *WindowError) Error() string {
	switch e.Reason {
	case WindowNotStarted:
		return fmt.Sprintf("voting has not started (starts %s)", e.Start.UTC().Format(time.RFC3339))
	case WindowEnded:
		return fmt.Sprintf("voting has ended (ended %s)", e.End.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("proposal is %s, not accepting votes", e.Status)
	}
}

func (e *WindowError) Is(target error) bool {
	return target == ErrVotingClosed
}

// TransitionError wraps ErrInvalidTransition with the attempted edge.
type TransitionError struct {
	From, To models.ProposalStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("proposal: cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
