package replica

import (
	"errors"
	"fmt"

	"governance-sync/internal/models"

	"github.com/google/uuid"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrVoteNotFound     = errors.New("vote record not found")
	ErrCommentNotFound  = errors.New("comment not found")
	ErrLedgerIDTaken    = errors.New("ledger proposal id already linked")
	// ErrInconsistent matches every ConsistencyError.
	ErrInconsistent = errors.New("replica tally inconsistent")
)

// ConsistencyError reports cached counters that disagreed with the voter
// records. By the time it is returned the counters have been recomputed.
type ConsistencyError struct {
	ProposalID uuid.UUID
	Cached     models.Tally
	Records    int64
	Recomputed models.Tally
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("proposal %s: cached tally %+v does not match %d voter records; recomputed to %+v",
		e.ProposalID, e.Cached, e.Records, e.Recomputed)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrInconsistent }
