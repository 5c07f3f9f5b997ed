package reconciler

import (
	"errors"
	"fmt"

	"governance-sync/internal/ledger"
	"governance-sync/internal/models"

	"github.com/google/uuid"
)

// ErrVoteChangeDisabled is returned when a voter casts a different type and
// vote changes are turned off.
var ErrVoteChangeDisabled = errors.New("changing a cast vote is disabled")

// WarningKind classifies a non-fatal problem attached to a result.
type WarningKind string

const (
	// WarnLedgerSubmission: recorded, but not on the ledger.
	WarnLedgerSubmission WarningKind = "ledger_submission"
	// WarnLedgerUnconfirmed: the ledger holds the vote but no confirmed
	// transaction backs it, so the record stays local-only.
	WarnLedgerUnconfirmed WarningKind = "ledger_unconfirmed"
	// WarnLedgerDecode: the ledger accepted the proposal but its id could not
	// be recovered; the proposal stays local-only.
	WarnLedgerDecode WarningKind = "ledger_decode"
	// WarnProvisionalID: the ledger id was inferred from the proposal count.
	WarnProvisionalID WarningKind = "provisional_ledger_id"
	// WarnAuthorizationMismatch: status changed locally but not on the ledger.
	WarnAuthorizationMismatch WarningKind = "authorization_mismatch"
)

// Warning is a degraded-but-successful outcome.
type Warning struct {
	Kind WarningKind
	Err  error
}

func (w Warning) String() string {
	if w.Err == nil {
		return string(w.Kind)
	}
	return fmt.Sprintf("%s: %v", w.Kind, w.Err)
}

// Reason returns the ledger failure reason behind the warning, if any.
func (w Warning) Reason() ledger.Reason {
	return ledger.ReasonOf(w.Err)
}

// AuthorizationMismatch describes a status change the replica accepted and
// the ledger did not.
type AuthorizationMismatch struct {
	ProposalID uuid.UUID
	Target     models.ProposalStatus
	Reason     string // models.Discrepancy*
	Err        error
}

func (e *AuthorizationMismatch) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("proposal %s moved to %s locally only (%s)", e.ProposalID, e.Target, e.Reason)
	}
	return fmt.Sprintf("proposal %s moved to %s locally only (%s): %v", e.ProposalID, e.Target, e.Reason, e.Err)
}

func (e *AuthorizationMismatch) Unwrap() error { return e.Err }
