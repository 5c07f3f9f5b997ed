package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"governance-sync/internal/ledger"
	"governance-sync/internal/models"
	"governance-sync/internal/replica"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Replayed              int
	ReplayFailed          int
	Skipped               int
	Unrecoverable         int
	Drifted               int
	DiscrepanciesResolved int
	OpenDiscrepancies     int
	Unapplied             int
	Duration              time.Duration
	Errors                []error
}

type sweepState struct {
	replayed, failed, skipped, lost, drifted, resolved atomic.Int32

	mu   sync.Mutex
	errs []error
}

func (s *sweepState) fail(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Sweep replays confirmed ledger transactions whose replica update never
// landed, re-verifies every proposal's tally, and settles discrepancies the
// ledger has since caught up with.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var st sweepState

	entries, err := r.audit.ListUnapplied(ctx, r.opts.SweepBatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list unapplied: %w", err)
	}
	r.runGroup(ctx, len(entries), func(i int) {
		outcome, err := r.replay(ctx, entries[i])
		switch {
		case err != nil:
			st.failed.Add(1)
			st.fail(fmt.Errorf("replay %s: %w", entries[i].Hash, err))
		case outcome == replayApplied:
			st.replayed.Add(1)
		case outcome == replayUnrecoverable:
			st.lost.Add(1)
		default:
			st.skipped.Add(1)
		}
	})

	ids, err := r.store.ProposalIDs(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list proposals: %w", err)
	}
	r.runGroup(ctx, len(ids), func(i int) {
		err := r.store.CheckConsistency(ctx, ids[i])
		switch {
		case errors.Is(err, replica.ErrInconsistent):
			st.drifted.Add(1)
			r.metrics.ObserveDrift()
			r.log.Warn("sweep recomputed drifted tally", zap.String("proposal", ids[i].String()), zap.Error(err))
		case err != nil:
			st.fail(fmt.Errorf("check %s: %w", ids[i], err))
		}
	})

	open, err := r.store.ListDiscrepancies(ctx, replica.DiscrepancyFilter{})
	if err != nil {
		return SweepReport{}, fmt.Errorf("list discrepancies: %w", err)
	}
	if r.ledger != nil {
		r.runGroup(ctx, len(open), func(i int) {
			ok, err := r.settleDiscrepancy(ctx, open[i])
			if err != nil {
				st.fail(fmt.Errorf("discrepancy %d: %w", open[i].ID, err))
				return
			}
			if ok {
				st.resolved.Add(1)
			}
		})
	}

	remaining, err := r.audit.ListUnapplied(ctx, 0)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list unapplied: %w", err)
	}
	r.metrics.SetUnapplied(len(remaining))
	r.metrics.ObserveReplayed(int(st.replayed.Load()))

	rep := SweepReport{
		Replayed:              int(st.replayed.Load()),
		ReplayFailed:          int(st.failed.Load()),
		Skipped:               int(st.skipped.Load()),
		Unrecoverable:         int(st.lost.Load()),
		Drifted:               int(st.drifted.Load()),
		DiscrepanciesResolved: int(st.resolved.Load()),
		OpenDiscrepancies:     len(open) - int(st.resolved.Load()),
		Unapplied:             len(remaining),
		Duration:              time.Since(start),
		Errors:                st.errs,
	}
	r.log.Info("reconciliation sweep finished",
		zap.Int("replayed", rep.Replayed),
		zap.Int("replay_failed", rep.ReplayFailed),
		zap.Int("unrecoverable", rep.Unrecoverable),
		zap.Int("drifted", rep.Drifted),
		zap.Int("discrepancies_resolved", rep.DiscrepanciesResolved),
		zap.Int("unapplied", rep.Unapplied),
		zap.Duration("duration", rep.Duration))
	return rep, nil
}

// runGroup fans n tasks out over the sweep pool and waits for them.
func (r *Reconciler) runGroup(ctx context.Context, n int, task func(i int)) {
	if n == 0 {
		return
	}
	group := r.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := 0; i < n; i++ {
		idx := i
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			task(idx)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.log.Warn("sweep group encountered error", zap.Error(err))
	}
}

type replayOutcome int

const (
	replaySkipped replayOutcome = iota
	replayApplied
	replayUnrecoverable
)

// replay folds one confirmed ledger transaction into the replica and closes
// its audit entry. A stale entry is only closed and reported as skipped.
func (r *Reconciler) replay(ctx context.Context, e models.LedgerTransaction) (replayOutcome, error) {
	if e.ProposalID == nil {
		r.log.Warn("confirmed transaction without a proposal", zap.String("hash", e.Hash))
		return replaySkipped, r.audit.MarkReplicaApplied(ctx, e.Hash)
	}
	pid := *e.ProposalID

	switch e.Kind {
	case models.TxVote, models.TxChangeVote:
		latest, err := r.audit.MatchingVote(ctx, pid, e.Voter)
		if err != nil {
			return replaySkipped, err
		}
		if latest.Hash != e.Hash {
			// A newer confirmed vote supersedes this one.
			return replaySkipped, r.audit.MarkReplicaApplied(ctx, e.Hash)
		}
		at := e.CreatedAt
		if e.ConfirmedAt != nil {
			at = *e.ConfirmedAt
		}
		_, err = r.store.ApplyVote(ctx, replica.VoteChange{
			ProposalID:    pid,
			Voter:         e.Voter,
			VoteType:      e.VoteType,
			WalletAddress: e.SubmittingAddress,
			TxHash:        e.Hash,
			At:            at,
			After: func(tx *gorm.DB) error {
				return r.audit.WithTx(tx).MarkReplicaApplied(ctx, e.Hash)
			},
		})
		if err != nil {
			return replaySkipped, err
		}
		return replayApplied, nil

	case models.TxCreateProposal:
		p, err := r.store.GetProposal(ctx, pid)
		if errors.Is(err, replica.ErrProposalNotFound) {
			return r.rebuildProposal(ctx, e)
		}
		if err != nil {
			return replaySkipped, err
		}
		if !p.ChainBacked() && e.LedgerProposalID != nil {
			if err := r.store.SetLedgerID(ctx, pid, *e.LedgerProposalID, models.LedgerIDFromReplay, true); err != nil {
				return replaySkipped, err
			}
		}
		return replayApplied, r.audit.MarkReplicaApplied(ctx, e.Hash)

	case models.TxStatusUpdate:
		// The ledger owner already authorized this change; the replica
		// follows the ledger.
		_, err := r.store.Mutate(ctx, pid, func(tx *gorm.DB, p *models.Proposal) error {
			if p.Status != e.TargetStatus {
				p.Status = e.TargetStatus
				if e.TargetStatus != models.StatusRejected {
					p.RejectionReason = nil
				}
			}
			return r.audit.WithTx(tx).MarkReplicaApplied(ctx, e.Hash)
		})
		if err != nil {
			return replaySkipped, err
		}
		if _, err := r.store.ResolveDiscrepanciesFor(ctx, pid); err != nil {
			return replayApplied, err
		}
		return replayApplied, nil

	default:
		return replaySkipped, fmt.Errorf("unknown transaction kind %q", e.Kind)
	}
}

// rebuildProposal restores a confirmed proposal whose replica row never
// landed, using the ledger's copy. The id is marked provisional since it came
// from a replay. Entries that cannot be rebuilt are parked once instead of
// failing every sweep.
func (r *Reconciler) rebuildProposal(ctx context.Context, e models.LedgerTransaction) (replayOutcome, error) {
	park := func(detail string) (replayOutcome, error) {
		if err := r.audit.MarkUnrecoverable(ctx, e.Hash, detail); err != nil {
			return replaySkipped, err
		}
		return replayUnrecoverable, nil
	}
	if e.LedgerProposalID == nil {
		return park("replica row missing and the ledger id was never recovered")
	}
	if r.ledger == nil {
		return park("replica row missing and no ledger configured")
	}

	if other, err := r.store.GetByLedgerID(ctx, *e.LedgerProposalID); err == nil {
		return park(fmt.Sprintf("replica row missing and ledger proposal %d is linked to %s", *e.LedgerProposalID, other.ID))
	} else if !errors.Is(err, replica.ErrProposalNotFound) {
		return replaySkipped, err
	}

	onChain, err := r.ledger.GetProposal(ctx, *e.LedgerProposalID)
	if err != nil {
		if ledger.IsRetryable(err) {
			return replaySkipped, err
		}
		return park(fmt.Sprintf("replica row missing and ledger proposal %d unreadable: %v", *e.LedgerProposalID, err))
	}

	id := *e.LedgerProposalID
	p := &models.Proposal{
		ID:                  *e.ProposalID,
		LedgerProposalID:    &id,
		LedgerIDSource:      models.LedgerIDFromReplay,
		LedgerIDProvisional: true,
		Title:               onChain.Title,
		Description:         onChain.Description,
		AuthorID:            e.Voter,
		Status:              onChain.Status,
		StartTime:           onChain.Start,
		EndTime:             onChain.End,
	}
	if err := r.store.CreateProposal(ctx, p); err != nil {
		return replaySkipped, err
	}
	r.log.Warn("rebuilt missing proposal from the ledger",
		zap.String("hash", e.Hash),
		zap.String("proposal", p.ID.String()),
		zap.Uint64("ledger_id", id))
	return replayApplied, r.audit.MarkReplicaApplied(ctx, e.Hash)
}

// settleDiscrepancy resolves a discrepancy once the ledger reports the same
// status as the replica.
func (r *Reconciler) settleDiscrepancy(ctx context.Context, d models.StatusDiscrepancy) (bool, error) {
	if d.LedgerProposalID == nil {
		return false, nil
	}
	p, err := r.store.GetProposal(ctx, d.ProposalID)
	if errors.Is(err, replica.ErrProposalNotFound) {
		return true, r.store.ResolveDiscrepancy(ctx, d.ID)
	}
	if err != nil {
		return false, err
	}
	onChain, err := r.ledger.GetProposal(ctx, *d.LedgerProposalID)
	if err != nil {
		return false, err
	}
	if onChain.Status != p.Status {
		return false, nil
	}
	if err := r.store.ResolveDiscrepancy(ctx, d.ID); err != nil {
		return false, err
	}
	r.log.Info("status discrepancy settled",
		zap.Uint("id", d.ID),
		zap.String("proposal", d.ProposalID.String()),
		zap.String("status", string(p.Status)))
	return true, nil
}
