// Package reconciler keeps the replica an eventually-consistent projection of
// the governance ledger while still accepting actions when the ledger is
// unavailable.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"governance-sync/internal/audit"
	"governance-sync/internal/eventlog"
	"governance-sync/internal/ledger"
	"governance-sync/internal/metrics"
	"governance-sync/internal/models"
	"governance-sync/internal/proposal"
	"governance-sync/internal/replica"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the part of the ledger client the reconciler drives.
// *ledger.Client satisfies it.
type Ledger interface {
	Submit(ctx context.Context, signer ledger.Signer, call ledger.Call, hook ledger.SubmitHook) (*ledger.Receipt, error)
	GetUserVote(ctx context.Context, id uint64, voter common.Address) (ledger.UserVote, error)
	GetProposal(ctx context.Context, id uint64) (*ledger.OnChainProposal, error)
	GetProposalCount(ctx context.Context) (uint64, error)
}

// Signers resolves a replica identity to the ledger signer bound to its
// session. *wallet.Registry satisfies it.
type Signers interface {
	Resolve(identity string) (ledger.Signer, bool)
}

// Options tune a Reconciler.
type Options struct {
	Machine         *proposal.Machine
	AllowVoteChange bool
	ResultPolicy    string
	MinVoters       int
	SweepWorkers    int
	SweepBatchSize  int
	Metrics         *metrics.Reconciler
	Logger          *zap.Logger
}

// Reconciler orchestrates the dual write between ledger and replica.
type Reconciler struct {
	ledger  Ledger
	decoder *eventlog.Decoder
	signers Signers
	store   *replica.Store
	audit   *audit.Log
	machine *proposal.Machine
	opts    Options
	metrics *metrics.Reconciler
	log     *zap.Logger
	pool    pond.Pool
}

// New builds a Reconciler. led may be nil, in which case every action is
// recorded local-only.
func New(store *replica.Store, auditLog *audit.Log, led Ledger, decoder *eventlog.Decoder, signers Signers, opts Options) *Reconciler {
	if opts.Machine == nil {
		opts.Machine = proposal.NewMachine(proposal.DefaultRules(), nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SweepWorkers <= 0 {
		opts.SweepWorkers = 4
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 200
	}
	if opts.ResultPolicy == "" {
		opts.ResultPolicy = proposal.PolicySimple
	}
	return &Reconciler{
		ledger:  led,
		decoder: decoder,
		signers: signers,
		store:   store,
		audit:   auditLog,
		machine: opts.Machine,
		opts:    opts,
		metrics: opts.Metrics,
		log:     opts.Logger,
		pool:    pond.NewPool(opts.SweepWorkers, pond.WithQueueSize(opts.SweepBatchSize*2)),
	}
}

// Close stops the sweep worker pool.
func (r *Reconciler) Close() {
	r.pool.StopAndWait()
}

// signerFor returns the ledger signer bound to identity, or nil when the
// action must be recorded local-only.
func (r *Reconciler) signerFor(identity string) ledger.Signer {
	if r.ledger == nil || r.signers == nil {
		return nil
	}
	s, ok := r.signers.Resolve(identity)
	if !ok {
		return nil
	}
	return s
}

// submission is one audited ledger write.
type submission struct {
	signer ledger.Signer
	call   ledger.Call
	entry  models.LedgerTransaction
	// confirm runs on a successful receipt and may add fields to the
	// confirmation, e.g. the decoded proposal id.
	confirm func(rcpt *ledger.Receipt) []audit.ConfirmOption
}

// submit signs, audits and awaits one ledger write. The audit entry is
// created before broadcast and reaches confirmed or failed exactly once.
func (r *Reconciler) submit(ctx context.Context, s submission) (*ledger.Receipt, string, error) {
	var (
		hash        string
		broadcastAt time.Time
	)
	rcpt, err := r.ledger.Submit(ctx, s.signer, s.call, ledger.SubmitHook{
		Prepared: func(tx *types.Transaction) error {
			hash = tx.Hash().Hex()
			entry := s.entry
			entry.Hash = hash
			entry.Kind = s.call.Kind
			entry.SubmittingAddress = s.signer.Address().Hex()
			return r.audit.Begin(ctx, &entry)
		},
		Broadcast: func(tx *types.Transaction) {
			broadcastAt = time.Now()
			r.metrics.ObserveSubmission(string(s.call.Kind))
			if err := r.audit.MarkSubmitted(ctx, hash); err != nil {
				r.log.Error("audit submitted phase", zap.String("hash", hash), zap.Error(err))
			}
		},
	})
	if err != nil {
		reason := ledger.ReasonOf(err)
		r.metrics.ObserveLedgerFailure(string(reason))
		r.log.Warn("ledger submission failed; recording locally",
			zap.String("method", s.call.Method),
			zap.String("hash", hash),
			zap.String("reason", string(reason)),
			zap.Error(err))
		if hash != "" {
			if ferr := r.audit.Fail(ctx, hash, err); ferr != nil && !errors.Is(ferr, audit.ErrNotFound) {
				r.log.Error("audit failed phase", zap.String("hash", hash), zap.Error(ferr))
			}
		}
		return rcpt, hash, err
	}
	if !broadcastAt.IsZero() {
		r.metrics.ObserveConfirmLatency(time.Since(broadcastAt).Seconds())
	}

	var opts []audit.ConfirmOption
	if s.confirm != nil {
		opts = s.confirm(rcpt)
	}
	if err := r.audit.Confirm(ctx, hash, rcpt, opts...); err != nil {
		return rcpt, hash, fmt.Errorf("confirm audit entry %s: %w", hash, err)
	}
	return rcpt, hash, nil
}

// GetTally returns a proposal's counters.
func (r *Reconciler) GetTally(ctx context.Context, proposalID uuid.UUID) (models.Tally, error) {
	return r.store.GetTally(ctx, proposalID)
}

// GetVoterRecord returns a voter's current record on a proposal.
func (r *Reconciler) GetVoterRecord(ctx context.Context, proposalID uuid.UUID, voter string) (*models.VoteRecord, error) {
	return r.store.GetVoterRecord(ctx, proposalID, voter)
}

// GetProposal returns a proposal with its vote records.
func (r *Reconciler) GetProposal(ctx context.Context, proposalID uuid.UUID) (*models.Proposal, error) {
	return r.store.GetProposal(ctx, proposalID)
}

// ListDiscrepancies returns the status changes the ledger has not accepted.
func (r *Reconciler) ListDiscrepancies(ctx context.Context, f replica.DiscrepancyFilter) ([]models.StatusDiscrepancy, error) {
	return r.store.ListDiscrepancies(ctx, f)
}

// Outcome evaluates the configured result policy against a proposal's tally.
// It is advisory; status changes stay a reviewer action.
func (r *Reconciler) Outcome(ctx context.Context, proposalID uuid.UUID) (proposal.Outcome, error) {
	t, err := r.store.GetTally(ctx, proposalID)
	if err != nil {
		return proposal.OutcomeUndecided, err
	}
	return proposal.Evaluate(t, r.opts.ResultPolicy, r.opts.MinVoters), nil
}
