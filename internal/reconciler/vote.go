package reconciler

import (
	"context"
	"errors"
	"fmt"

	"governance-sync/internal/audit"
	"governance-sync/internal/ledger"
	"governance-sync/internal/models"
	"governance-sync/internal/proposal"
	"governance-sync/internal/replica"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VoteResult is the outcome of CastVote.
type VoteResult struct {
	Tally     models.Tally
	Effective models.VoteType
	LocalOnly bool
	// Duplicate is set when the same type was already recorded; nothing
	// changed and nothing was submitted to the ledger.
	Duplicate bool
	TxHash    string
	Warnings  []Warning
}

// CastVote records voter's choice on a proposal. When the voter has a ledger
// binding and the proposal is chain-backed the vote is submitted first; any
// ledger failure degrades to a local-only record with a warning.
func (r *Reconciler) CastVote(ctx context.Context, proposalID uuid.UUID, voter string, vt models.VoteType) (*VoteResult, error) {
	if !vt.Valid() {
		return nil, fmt.Errorf("unknown vote type %q", vt)
	}
	p, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := proposal.CheckVoteWindow(p, r.machine.Now()); err != nil {
		return nil, err
	}

	prev, err := r.store.GetVoterRecord(ctx, proposalID, voter)
	switch {
	case errors.Is(err, replica.ErrVoteNotFound):
		prev = nil
	case err != nil:
		return nil, err
	}
	if prev != nil && prev.VoteType != vt && !r.opts.AllowVoteChange {
		return nil, ErrVoteChangeDisabled
	}

	res := &VoteResult{LocalOnly: true}
	change := replica.VoteChange{
		ProposalID: proposalID,
		Voter:      voter,
		VoteType:   vt,
		LocalOnly:  true,
	}

	if signer := r.signerFor(voter); signer != nil && p.ChainBacked() {
		hash, duplicate, err := r.submitVote(ctx, p, voter, signer, vt)
		switch {
		case errors.Is(err, ErrVoteChangeDisabled):
			return nil, err
		case err != nil:
			res.Warnings = append(res.Warnings, Warning{Kind: WarnLedgerSubmission, Err: err})
		case duplicate:
			res.Duplicate = true
			backing, err := r.confirmedVote(ctx, proposalID, voter, vt)
			if err != nil {
				return nil, err
			}
			if backing == nil {
				// On the ledger, but no confirmed transaction of ours backs it
				// (e.g. a timed-out cast mined later). It stays local-only.
				res.Warnings = append(res.Warnings, Warning{Kind: WarnLedgerUnconfirmed})
				break
			}
			res.LocalOnly = false
			res.TxHash = backing.Hash
			change.LocalOnly = false
			change.WalletAddress = signer.Address().Hex()
			change.TxHash = backing.Hash
			change.After = func(tx *gorm.DB) error {
				return r.audit.WithTx(tx).MarkReplicaApplied(ctx, backing.Hash)
			}
		default:
			res.LocalOnly = false
			res.TxHash = hash
			change.LocalOnly = false
			change.WalletAddress = signer.Address().Hex()
			change.TxHash = hash
			change.After = func(tx *gorm.DB) error {
				return r.audit.WithTx(tx).MarkReplicaApplied(ctx, hash)
			}
		}
	}

	out, err := r.store.ApplyVote(ctx, change)
	if err != nil {
		if errors.Is(err, replica.ErrInconsistent) {
			r.metrics.ObserveDrift()
		}
		// A confirmed ledger vote stays in the audit log as unapplied; the
		// sweep replays it.
		return nil, err
	}
	res.Tally = out.Tally
	res.Effective = out.Record.VoteType
	res.LocalOnly = out.Record.LocalOnly
	if !out.Changed {
		res.Duplicate = true
	}
	r.metrics.ObserveVote(string(res.Effective), res.LocalOnly)
	r.log.Debug("vote applied",
		zap.String("proposal", proposalID.String()),
		zap.String("voter", voter),
		zap.String("type", string(vt)),
		zap.Bool("local_only", res.LocalOnly),
		zap.Bool("duplicate", res.Duplicate))
	return res, nil
}

// confirmedVote returns the confirmed audit entry that cast vt for voter, or
// nil when there is none.
func (r *Reconciler) confirmedVote(ctx context.Context, proposalID uuid.UUID, voter string, vt models.VoteType) (*models.LedgerTransaction, error) {
	e, err := r.audit.MatchingVote(ctx, proposalID, voter)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case e.VoteType != vt:
		return nil, nil
	}
	return e, nil
}

// submitVote queries the ledger's current record for the voter's address and
// submits a first vote or a change. The same type already on the ledger is a
// no-op reported as duplicate.
func (r *Reconciler) submitVote(ctx context.Context, p *models.Proposal, voter string, signer ledger.Signer, vt models.VoteType) (string, bool, error) {
	ledgerID := *p.LedgerProposalID
	current, err := r.ledger.GetUserVote(ctx, ledgerID, signer.Address())
	if err != nil {
		return "", false, err
	}
	hash, duplicate, err := r.sendVote(ctx, p, voter, signer, vt, current)
	if err == nil || current.Voted || ledger.ReasonOf(err) != ledger.ReasonReverted {
		return hash, duplicate, err
	}

	// A first vote reverts when another cast from the same address landed
	// in between. Re-read and act on what the ledger now holds.
	again, rerr := r.ledger.GetUserVote(ctx, ledgerID, signer.Address())
	if rerr != nil || !again.Voted {
		return hash, duplicate, err
	}
	r.log.Info("first vote reverted; ledger already holds a vote, retrying against it",
		zap.String("proposal", p.ID.String()),
		zap.String("voter", voter),
		zap.String("ledger_type", string(again.VoteType)))
	return r.sendVote(ctx, p, voter, signer, vt, again)
}

func (r *Reconciler) sendVote(ctx context.Context, p *models.Proposal, voter string, signer ledger.Signer, vt models.VoteType, current ledger.UserVote) (string, bool, error) {
	ledgerID := *p.LedgerProposalID
	var (
		call ledger.Call
		err  error
	)
	switch {
	case !current.Voted:
		call, err = ledger.VoteCall(ledgerID, vt)
	case current.VoteType == vt:
		return "", true, nil
	case !r.opts.AllowVoteChange:
		return "", false, ErrVoteChangeDisabled
	default:
		call, err = ledger.ChangeVoteCall(ledgerID, vt)
	}
	if err != nil {
		return "", false, err
	}

	proposalID := p.ID
	_, hash, err := r.submit(ctx, submission{
		signer: signer,
		call:   call,
		entry: models.LedgerTransaction{
			ProposalID:       &proposalID,
			LedgerProposalID: &ledgerID,
			Voter:            voter,
			VoteType:         vt,
		},
	})
	if err != nil {
		return "", false, err
	}
	return hash, false, nil
}
