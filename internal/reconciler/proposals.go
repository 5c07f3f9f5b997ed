package reconciler

import (
	"context"
	"errors"
	"fmt"

	"governance-sync/internal/audit"
	"governance-sync/internal/eventlog"
	"governance-sync/internal/ledger"
	"governance-sync/internal/models"
	"governance-sync/internal/proposal"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateResult is the outcome of CreateProposal.
type CreateResult struct {
	Proposal  *models.Proposal
	LocalOnly bool
	TxHash    string
	Warnings  []Warning
}

// CreateProposal validates a draft, submits it to the ledger when the author
// has a binding, and persists it in the replica. A proposal whose ledger id
// cannot be recovered is still created, without chain linkage.
func (r *Reconciler) CreateProposal(ctx context.Context, d proposal.Draft, author proposal.Actor) (*CreateResult, error) {
	p, err := r.machine.Create(d, author)
	if err != nil {
		return nil, err
	}
	res := &CreateResult{Proposal: p, LocalOnly: true}

	var applied string
	if signer := r.signerFor(author.ID); signer != nil {
		proposalID := p.ID
		var decoded *eventlog.Result
		_, hash, err := r.submit(ctx, submission{
			signer: signer,
			call:   ledger.CreateProposalCall(p.Title, p.Description, p.StartTime, p.EndTime),
			entry:  models.LedgerTransaction{ProposalID: &proposalID, Voter: author.ID},
			confirm: func(rcpt *ledger.Receipt) []audit.ConfirmOption {
				out, derr := r.decodeID(ctx, rcpt, signer, p.Title)
				if derr != nil {
					res.Warnings = append(res.Warnings, Warning{Kind: WarnLedgerDecode, Err: derr})
					return nil
				}
				decoded = &out
				return []audit.ConfirmOption{audit.WithLedgerProposalID(out.ID)}
			},
		})
		switch {
		case err != nil:
			res.Warnings = append(res.Warnings, Warning{Kind: WarnLedgerSubmission, Err: err})
		default:
			res.TxHash = hash
			applied = hash
			if decoded != nil {
				id := decoded.ID
				p.LedgerProposalID = &id
				p.LedgerIDSource = decoded.Source
				p.LedgerIDProvisional = decoded.Provisional
				res.LocalOnly = false
				if decoded.Provisional {
					res.Warnings = append(res.Warnings, Warning{Kind: WarnProvisionalID,
						Err: fmt.Errorf("ledger id %d inferred from proposal count", id)})
				}
			}
		}
	}

	if err := r.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	if applied != "" {
		if err := r.audit.MarkReplicaApplied(ctx, applied); err != nil {
			r.log.Error("audit replica phase", zap.String("hash", applied), zap.Error(err))
		}
	}
	r.log.Info("proposal created",
		zap.String("proposal", p.ID.String()),
		zap.String("author", author.ID),
		zap.Bool("local_only", res.LocalOnly))
	return res, nil
}

func (r *Reconciler) decodeID(ctx context.Context, rcpt *ledger.Receipt, signer ledger.Signer, title string) (eventlog.Result, error) {
	if r.decoder == nil {
		r.metrics.ObserveDecode("")
		return eventlog.Result{}, &eventlog.DecodeError{TxHash: rcpt.TxHash, Causes: []error{errors.New("no decoder configured")}}
	}
	out, err := r.decoder.Decode(ctx, rcpt, eventlog.Expect{Proposer: signer.Address(), Title: title})
	r.metrics.ObserveDecode(out.Source)
	return out, err
}

// TransitionResult is the outcome of TransitionStatus.
type TransitionResult struct {
	Proposal      *models.Proposal
	LedgerApplied bool
	TxHash        string
	Discrepancy   *models.StatusDiscrepancy
	Warnings      []Warning
}

// TransitionStatus changes a proposal's status. Replica authorization is
// checked first. For a chain-backed proposal the ledger update is attempted
// when the actor has a binding; if the ledger refuses or is unavailable the
// replica change still proceeds and a discrepancy is recorded.
func (r *Reconciler) TransitionStatus(ctx context.Context, proposalID uuid.UUID, to models.ProposalStatus, reason string, actor proposal.Actor) (*TransitionResult, error) {
	p, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := r.machine.Authorize(p, to, reason, actor); err != nil {
		return nil, err
	}
	res := &TransitionResult{}

	var mismatch *AuthorizationMismatch
	if p.ChainBacked() && p.Status != to && r.ledger != nil {
		ledgerID := *p.LedgerProposalID
		signer := r.signerFor(actor.ID)
		if signer == nil {
			mismatch = &AuthorizationMismatch{ProposalID: p.ID, Target: to, Reason: models.DiscrepancyNoBinding}
		} else {
			call, err := ledger.UpdateStatusCall(ledgerID, to)
			if err != nil {
				return nil, err
			}
			_, hash, err := r.submit(ctx, submission{
				signer: signer,
				call:   call,
				entry: models.LedgerTransaction{
					ProposalID:       &p.ID,
					LedgerProposalID: &ledgerID,
					Voter:            actor.ID,
					TargetStatus:     to,
				},
			})
			if err != nil {
				kind := models.DiscrepancyLedgerUnavailable
				if ledger.ReasonOf(err) == ledger.ReasonNotOwner {
					kind = models.DiscrepancyNotOwner
				}
				mismatch = &AuthorizationMismatch{ProposalID: p.ID, Target: to, Reason: kind, Err: err}
				res.TxHash = hash
			} else {
				res.LedgerApplied = true
				res.TxHash = hash
			}
		}
	}

	updated, err := r.store.Mutate(ctx, proposalID, func(tx *gorm.DB, locked *models.Proposal) error {
		if err := r.machine.Transition(locked, to, reason, actor); err != nil {
			return err
		}
		if res.LedgerApplied {
			return r.audit.WithTx(tx).MarkReplicaApplied(ctx, res.TxHash)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Proposal = updated

	if res.LedgerApplied {
		if _, err := r.store.ResolveDiscrepanciesFor(ctx, proposalID); err != nil {
			r.log.Warn("resolve discrepancies", zap.String("proposal", proposalID.String()), zap.Error(err))
		}
	}
	if mismatch != nil {
		d := &models.StatusDiscrepancy{
			ProposalID:       p.ID,
			LedgerProposalID: p.LedgerProposalID,
			ReplicaStatus:    updated.Status,
			TargetStatus:     to,
			ActorID:          actor.ID,
			Reason:           mismatch.Reason,
			TxHash:           res.TxHash,
		}
		if mismatch.Err != nil {
			d.Detail = mismatch.Err.Error()
		}
		if err := r.store.RecordDiscrepancy(ctx, d); err != nil {
			return nil, fmt.Errorf("record discrepancy: %w", err)
		}
		r.metrics.ObserveDiscrepancy(mismatch.Reason)
		res.Discrepancy = d
		res.Warnings = append(res.Warnings, Warning{Kind: WarnAuthorizationMismatch, Err: mismatch})
	}
	return res, nil
}
