package reconciler

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"governance-sync/internal/audit"
	"governance-sync/internal/db"
	"governance-sync/internal/eventlog"
	"governance-sync/internal/ledger"
	"governance-sync/internal/ledger/ledgertest"
	"governance-sync/internal/metrics"
	"governance-sync/internal/models"
	"governance-sync/internal/proposal"
	"governance-sync/internal/replica"
	"governance-sync/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = proposal.Actor{ID: "admin", Roles: []string{proposal.RoleAdmin}}
	reviewer = proposal.Actor{ID: "bob", Roles: []string{proposal.RoleReviewer}}
	member   = proposal.Actor{ID: "alice", Roles: []string{proposal.RoleMember}}
)

type fixture struct {
	ctx     context.Context
	now     time.Time
	rec     *Reconciler
	store   *replica.Store
	audit   *audit.Log
	backend *ledgertest.Backend
	client  *ledger.Client
	owner   ledger.Signer
	wallets *wallet.Registry
}

func newFixture(t *testing.T, tune ...func(*Options)) *fixture {
	t.Helper()
	_, owner := ledgertest.NewKey()
	f := &fixture{
		ctx:     context.Background(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		owner:   owner,
		backend: ledgertest.NewBackend(owner.Address()),
		wallets: wallet.NewRegistry(time.Hour, nil),
	}
	f.client = ledgertest.NewClient(f.backend)

	conn := db.OpenTest(t)
	f.store = replica.New(conn, nil)
	f.audit = audit.New(conn, "hardhat", nil)

	opts := Options{
		Machine:         proposal.NewMachine(proposal.DefaultRules(), func() time.Time { return f.now }),
		AllowVoteChange: true,
		Metrics:         metrics.New(),
	}
	for _, fn := range tune {
		fn(&opts)
	}
	decoder := eventlog.NewDecoder(ledgertest.ContractAddress, f.client, nil)
	f.rec = New(f.store, f.audit, f.client, decoder, f.wallets, opts)
	t.Cleanup(f.rec.Close)
	return f
}

func (f *fixture) localProposal(t *testing.T, status models.ProposalStatus) *models.Proposal {
	t.Helper()
	p := &models.Proposal{
		Title:       "Replace the office coffee machine",
		Description: "The current one leaks",
		AuthorID:    "alice",
		Status:      status,
		StartTime:   f.now.Add(-time.Hour),
		EndTime:     f.now.Add(time.Hour),
	}
	require.NoError(t, f.store.CreateProposal(f.ctx, p))
	return p
}

func (f *fixture) chainProposal(t *testing.T, status models.ProposalStatus) *models.Proposal {
	t.Helper()
	code, err := status.Code()
	require.NoError(t, err)
	start, end := f.now.Add(-time.Hour), f.now.Add(time.Hour)
	id := f.backend.Seed(f.owner.Address(), "Adopt the new CI runners", start.Unix(), end.Unix(), code)
	p := &models.Proposal{
		LedgerProposalID: &id,
		LedgerIDSource:   models.LedgerIDFromEvent,
		Title:            "Adopt the new CI runners",
		Description:      "Move builds to the shared pool",
		AuthorID:         "owner",
		Status:           status,
		StartTime:        start,
		EndTime:          end,
	}
	require.NoError(t, f.store.CreateProposal(f.ctx, p))
	return p
}

func (f *fixture) draft() proposal.Draft {
	return proposal.Draft{
		Title:       "Quarterly hack week",
		Description: "One week per quarter for self-directed work",
		Start:       f.now.Add(time.Hour),
		End:         f.now.Add(48 * time.Hour),
	}
}

func TestCastVoteFirstVoteScenario(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)

	steps := []struct {
		vote models.VoteType
		want models.Tally
	}{
		{models.VoteUpvote, models.Tally{Upvotes: 1}},
		{models.VoteDownvote, models.Tally{Downvotes: 1}},
		{models.VoteAbstain, models.Tally{Abstains: 1}},
	}
	for _, step := range steps {
		res, err := f.rec.CastVote(f.ctx, p.ID, "alice", step.vote)
		require.NoError(t, err)
		assert.Equal(t, step.want, res.Tally, "after %s", step.vote)
		assert.Equal(t, step.vote, res.Effective)
		assert.True(t, res.LocalOnly)
		assert.Empty(t, res.Warnings)
	}

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.VoteAbstain, rec.VoteType)
}

func TestCastVoteSameTypeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)

	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, models.Tally{Upvotes: 1}, res.Tally)
}

func TestCastVoteRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)

	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteType("maybe"))
	require.Error(t, err)
}

func TestCastVoteWindow(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)

	f.now = p.StartTime.Add(-time.Second)
	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.ErrorIs(t, err, proposal.ErrVotingClosed)
	var werr *proposal.WindowError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, proposal.WindowNotStarted, werr.Reason)

	f.now = p.StartTime
	_, err = f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)

	f.now = p.EndTime
	_, err = f.rec.CastVote(f.ctx, p.ID, "bob", models.VoteUpvote)
	require.NoError(t, err)

	f.now = p.EndTime.Add(time.Second)
	_, err = f.rec.CastVote(f.ctx, p.ID, "carol", models.VoteUpvote)
	require.ErrorIs(t, err, proposal.ErrVotingClosed)

	tally, err := f.rec.GetTally(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Upvotes: 2}, tally)
}

func TestCastVoteNotActive(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusPending)

	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.ErrorIs(t, err, proposal.ErrVotingClosed)
}

func TestCastVoteOnLedger(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)

	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.False(t, res.LocalOnly)
	assert.Empty(t, res.Warnings)
	require.NotEmpty(t, res.TxHash)
	assert.Equal(t, models.Tally{Upvotes: 1}, res.Tally)

	code, voted := f.backend.UserVote(*p.LedgerProposalID, alice.Address())
	assert.True(t, voted)
	assert.Equal(t, uint8(0), code)

	entry, err := f.audit.Get(f.ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxVote, entry.Kind)
	assert.Equal(t, models.TxConfirmed, entry.Status)
	assert.Equal(t, models.PhaseReplicaApplied, entry.Phase)
	assert.Equal(t, "21000000000000", entry.Fee)

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.False(t, rec.LocalOnly)
	assert.Equal(t, res.TxHash, rec.LedgerTxHash)
	assert.Equal(t, alice.Address().Hex(), rec.WalletAddress)

	res, err = f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteDownvote)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Downvotes: 1}, res.Tally)
	code, _ = f.backend.UserVote(*p.LedgerProposalID, alice.Address())
	assert.Equal(t, uint8(1), code)

	entry, err = f.audit.Get(f.ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxChangeVote, entry.Kind)
}

func TestCastVoteLocalOnlyProposalSkipsLedger(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)

	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	assert.Zero(t, f.backend.Sent)
}

func TestCastVoteDegradesWhenLedgerFails(t *testing.T) {
	cases := []struct {
		name   string
		fault  func(b *ledgertest.Backend)
		reason ledger.Reason
		// audited is true when the failure happens after signing.
		audited bool
	}{
		{"unreachable", func(b *ledgertest.Backend) { b.Unreachable = true }, ledger.ReasonUnreachable, false},
		{"never mined", func(b *ledgertest.Backend) { b.NeverMine = true }, ledger.ReasonTimeout, true},
		{"reverted", func(b *ledgertest.Backend) { b.RevertOnMine = true }, ledger.ReasonReverted, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.chainProposal(t, models.StatusActive)
			_, alice := ledgertest.NewKey()
			f.wallets.Bind("alice", alice)
			tc.fault(f.backend)

			res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
			require.NoError(t, err)
			assert.True(t, res.LocalOnly)
			assert.Equal(t, models.Tally{Upvotes: 1}, res.Tally)
			require.Len(t, res.Warnings, 1)
			assert.Equal(t, WarnLedgerSubmission, res.Warnings[0].Kind)
			assert.Equal(t, tc.reason, res.Warnings[0].Reason())

			entries, err := f.audit.ListByVoter(f.ctx, "alice")
			require.NoError(t, err)
			if !tc.audited {
				assert.Empty(t, entries)
				return
			}
			require.Len(t, entries, 1)
			assert.Equal(t, models.TxFailed, entries[0].Status)
			assert.NotEmpty(t, entries[0].Error)
		})
	}
}

type decliningSigner struct{ addr common.Address }

func (d decliningSigner) Address() common.Address { return d.addr }

func (d decliningSigner) SignTx(context.Context, *types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, ledger.ErrSignerDeclined
}

func TestCastVoteDeclinedSignature(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	f.wallets.Bind("alice", decliningSigner{addr: common.HexToAddress("0x1000000000000000000000000000000000000001")})

	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteAbstain)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ledger.ReasonDeclined, res.Warnings[0].Reason())
	assert.Zero(t, f.backend.Sent)
}

func TestCastVoteAlreadyOnLedgerWithoutConfirmationStaysLocal(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)

	call, err := ledger.VoteCall(*p.LedgerProposalID, models.VoteUpvote)
	require.NoError(t, err)
	_, err = f.client.Submit(f.ctx, alice, call, ledger.SubmitHook{})
	require.NoError(t, err)
	sent := f.backend.Sent

	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	assert.True(t, res.Duplicate)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnLedgerUnconfirmed, res.Warnings[0].Kind)
	assert.Equal(t, models.Tally{Upvotes: 1}, res.Tally)
	assert.Equal(t, sent, f.backend.Sent, "no second ledger write")

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.True(t, rec.LocalOnly)
	assert.Empty(t, rec.LedgerTxHash)
	_, err = f.audit.MatchingVote(f.ctx, p.ID, "alice")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestCastVoteTimedOutThenMinedStaysLocal(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)

	f.backend.NeverMine = true
	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, ledger.ReasonTimeout, res.Warnings[0].Reason())

	// The abandoned transaction turns up mined.
	f.backend.NeverMine = false
	res, err = f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnLedgerUnconfirmed, res.Warnings[0].Kind)
	assert.Equal(t, 1, f.backend.Sent)

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.True(t, rec.LocalOnly)

	entries, err := f.audit.ListByVoter(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TxFailed, entries[0].Status)
}

func TestCastVoteAlreadyOnLedgerWithConfirmedEntry(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	ledgerID := *p.LedgerProposalID

	call, err := ledger.VoteCall(ledgerID, models.VoteUpvote)
	require.NoError(t, err)
	_, hash, err := f.rec.submit(f.ctx, submission{
		signer: alice,
		call:   call,
		entry:  models.LedgerTransaction{ProposalID: &p.ID, LedgerProposalID: &ledgerID, Voter: "alice", VoteType: models.VoteUpvote},
	})
	require.NoError(t, err)
	sent := f.backend.Sent

	f.wallets.Bind("alice", alice)
	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.False(t, res.LocalOnly)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, hash, res.TxHash)
	assert.Equal(t, sent, f.backend.Sent)

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.False(t, rec.LocalOnly)
	assert.Equal(t, hash, rec.LedgerTxHash)

	backing, err := f.audit.MatchingVote(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.LedgerTxHash, backing.Hash)
	assert.Equal(t, models.PhaseReplicaApplied, backing.Phase)
}

// racingSigner lands a competing transaction from the same key the first
// time it is asked to sign.
type racingSigner struct {
	ledger.Signer
	race func()
}

func (s *racingSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if race := s.race; race != nil {
		s.race = nil
		race()
	}
	return s.Signer.SignTx(ctx, tx, chainID)
}

func TestCastVoteRetriesAfterConcurrentCast(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	up, err := ledger.VoteCall(*p.LedgerProposalID, models.VoteUpvote)
	require.NoError(t, err)

	f.wallets.Bind("alice", &racingSigner{Signer: alice, race: func() {
		_, err := f.client.Submit(f.ctx, alice, up, ledger.SubmitHook{})
		require.NoError(t, err)
	}})

	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteDownvote)
	require.NoError(t, err)
	assert.False(t, res.LocalOnly)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, models.Tally{Downvotes: 1}, res.Tally)

	code, voted := f.backend.UserVote(*p.LedgerProposalID, alice.Address())
	assert.True(t, voted)
	assert.Equal(t, uint8(1), code)

	entries, err := f.audit.ListByVoter(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.TxChangeVote, entries[0].Kind)
	assert.Equal(t, models.TxConfirmed, entries[0].Status)
	assert.Equal(t, models.TxVote, entries[1].Kind)
	assert.Equal(t, models.TxFailed, entries[1].Status)

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.False(t, rec.LocalOnly)
	assert.Equal(t, entries[0].Hash, rec.LedgerTxHash)
}

func TestVoteChangeDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowVoteChange = false })
	p := f.localProposal(t, models.StatusActive)

	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	_, err = f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteDownvote)
	require.ErrorIs(t, err, ErrVoteChangeDisabled)

	tally, err := f.rec.GetTally(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Upvotes: 1}, tally)
}

func TestVoteChangeDisabledOnLedger(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowVoteChange = false })
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)

	call, err := ledger.VoteCall(*p.LedgerProposalID, models.VoteUpvote)
	require.NoError(t, err)
	_, err = f.client.Submit(f.ctx, alice, call, ledger.SubmitHook{})
	require.NoError(t, err)

	_, err = f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteDownvote)
	require.ErrorIs(t, err, ErrVoteChangeDisabled)

	_, err = f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.ErrorIs(t, err, replica.ErrVoteNotFound)
}

func TestCastVoteDriftIsRepairedNotApplied(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)
	require.NoError(t, f.store.DB().Model(&models.Proposal{}).Where("id = ?", p.ID).Update("upvotes", 7).Error)

	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.ErrorIs(t, err, replica.ErrInconsistent)

	tally, err := f.rec.GetTally(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{}, tally)

	res, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Upvotes: 1}, res.Tally)
}

func TestCreateProposalOnLedger(t *testing.T) {
	f := newFixture(t)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)

	res, err := f.rec.CreateProposal(f.ctx, f.draft(), member)
	require.NoError(t, err)
	assert.False(t, res.LocalOnly)
	assert.Empty(t, res.Warnings)
	require.NotNil(t, res.Proposal.LedgerProposalID)
	assert.Equal(t, uint64(1), *res.Proposal.LedgerProposalID)
	assert.Equal(t, models.LedgerIDFromEvent, res.Proposal.LedgerIDSource)
	assert.Equal(t, models.StatusPending, res.Proposal.Status)

	stored, err := f.store.GetByLedgerID(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, res.Proposal.ID, stored.ID)
	assert.False(t, stored.LedgerIDProvisional)

	entry, err := f.audit.Get(f.ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxCreateProposal, entry.Kind)
	assert.Equal(t, models.PhaseReplicaApplied, entry.Phase)
	require.NotNil(t, entry.LedgerProposalID)
	assert.Equal(t, uint64(1), *entry.LedgerProposalID)
	require.NotNil(t, entry.ProposalID)
	assert.Equal(t, res.Proposal.ID, *entry.ProposalID)
}

func TestCreateProposalProvisionalID(t *testing.T) {
	f := newFixture(t)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)
	f.backend.OmitLogs = true

	res, err := f.rec.CreateProposal(f.ctx, f.draft(), member)
	require.NoError(t, err)
	assert.False(t, res.LocalOnly)
	require.NotNil(t, res.Proposal.LedgerProposalID)
	assert.Equal(t, models.LedgerIDFromCount, res.Proposal.LedgerIDSource)
	assert.True(t, res.Proposal.LedgerIDProvisional)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnProvisionalID, res.Warnings[0].Kind)
}

func TestCreateProposalUndecodableStaysLocal(t *testing.T) {
	f := newFixture(t)
	_, alice := ledgertest.NewKey()
	f.wallets.Bind("alice", alice)
	f.backend.OmitLogs = true
	f.backend.ExtraCreates = 1

	res, err := f.rec.CreateProposal(f.ctx, f.draft(), member)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	assert.Nil(t, res.Proposal.LedgerProposalID)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnLedgerDecode, res.Warnings[0].Kind)
	assert.ErrorIs(t, res.Warnings[0].Err, eventlog.ErrNoProposalID)

	entry, err := f.audit.Get(f.ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxConfirmed, entry.Status)
	assert.Nil(t, entry.LedgerProposalID)

	stored, err := f.rec.GetProposal(f.ctx, res.Proposal.ID)
	require.NoError(t, err)
	assert.False(t, stored.ChainBacked())
}

func TestCreateProposalWithoutBinding(t *testing.T) {
	f := newFixture(t)

	res, err := f.rec.CreateProposal(f.ctx, f.draft(), member)
	require.NoError(t, err)
	assert.True(t, res.LocalOnly)
	assert.Empty(t, res.Warnings)
	assert.Zero(t, f.backend.Sent)
}

func TestCreateProposalValidation(t *testing.T) {
	f := newFixture(t)

	d := f.draft()
	d.Title = "  "
	_, err := f.rec.CreateProposal(f.ctx, d, member)
	require.ErrorIs(t, err, proposal.ErrInvalidDraft)

	d = f.draft()
	d.End = d.Start
	_, err = f.rec.CreateProposal(f.ctx, d, member)
	require.ErrorIs(t, err, proposal.ErrInvalidWindow)

	d = f.draft()
	d.Start = f.now.Add(-time.Minute)
	_, err = f.rec.CreateProposal(f.ctx, d, member)
	require.ErrorIs(t, err, proposal.ErrPastStart)
}

func TestTransitionStatusByOwner(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusPending)
	f.wallets.Bind("admin", f.owner)

	res, err := f.rec.TransitionStatus(f.ctx, p.ID, models.StatusActive, "", admin)
	require.NoError(t, err)
	assert.True(t, res.LedgerApplied)
	assert.Nil(t, res.Discrepancy)
	assert.Equal(t, models.StatusActive, res.Proposal.Status)
	assert.Equal(t, uint8(1), f.backend.Status(*p.LedgerProposalID))

	entry, err := f.audit.Get(f.ctx, res.TxHash)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusUpdate, entry.Kind)
	assert.Equal(t, models.StatusActive, entry.TargetStatus)
	assert.Equal(t, models.PhaseReplicaApplied, entry.Phase)
}

func TestTransitionStatusRecordsDiscrepancy(t *testing.T) {
	cases := []struct {
		name   string
		bind   bool
		reason string
	}{
		{"not owner", true, models.DiscrepancyNotOwner},
		{"no binding", false, models.DiscrepancyNoBinding},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.chainProposal(t, models.StatusPending)
			if tc.bind {
				_, bob := ledgertest.NewKey()
				f.wallets.Bind("bob", bob)
			}

			res, err := f.rec.TransitionStatus(f.ctx, p.ID, models.StatusActive, "", reviewer)
			require.NoError(t, err)
			assert.False(t, res.LedgerApplied)
			assert.Equal(t, models.StatusActive, res.Proposal.Status)
			assert.Equal(t, uint8(0), f.backend.Status(*p.LedgerProposalID))

			require.NotNil(t, res.Discrepancy)
			assert.Equal(t, tc.reason, res.Discrepancy.Reason)
			require.Len(t, res.Warnings, 1)
			assert.Equal(t, WarnAuthorizationMismatch, res.Warnings[0].Kind)
			var mismatch *AuthorizationMismatch
			require.True(t, errors.As(res.Warnings[0].Err, &mismatch))
			assert.Equal(t, models.StatusActive, mismatch.Target)

			open, err := f.rec.ListDiscrepancies(f.ctx, replica.DiscrepancyFilter{ProposalID: p.ID})
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, models.StatusActive, open[0].ReplicaStatus)
		})
	}
}

func TestTransitionStatusLocalProposal(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)

	res, err := f.rec.TransitionStatus(f.ctx, p.ID, models.StatusRejected, "out of budget", reviewer)
	require.NoError(t, err)
	assert.False(t, res.LedgerApplied)
	assert.Nil(t, res.Discrepancy)
	assert.Equal(t, models.StatusRejected, res.Proposal.Status)
	require.NotNil(t, res.Proposal.RejectionReason)
	assert.Equal(t, "out of budget", *res.Proposal.RejectionReason)

	res, err = f.rec.TransitionStatus(f.ctx, p.ID, models.StatusActive, "", reviewer)
	require.NoError(t, err)
	assert.Nil(t, res.Proposal.RejectionReason)
}

func TestTransitionStatusAuthorization(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)

	_, err := f.rec.TransitionStatus(f.ctx, p.ID, models.StatusPassed, "", member)
	require.ErrorIs(t, err, proposal.ErrUnauthorized)

	_, err = f.rec.TransitionStatus(f.ctx, p.ID, models.StatusRejected, " ", admin)
	require.ErrorIs(t, err, proposal.ErrMissingReason)

	_, err = f.rec.TransitionStatus(f.ctx, p.ID, models.StatusPending, "", admin)
	require.ErrorIs(t, err, proposal.ErrInvalidTransition)

	stored, err := f.rec.GetProposal(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestSweepReplaysUnappliedVote(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	ledgerID := *p.LedgerProposalID

	call, err := ledger.VoteCall(ledgerID, models.VoteUpvote)
	require.NoError(t, err)
	_, hash, err := f.rec.submit(f.ctx, submission{
		signer: alice,
		call:   call,
		entry:  models.LedgerTransaction{ProposalID: &p.ID, LedgerProposalID: &ledgerID, Voter: "alice", VoteType: models.VoteUpvote},
	})
	require.NoError(t, err)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)
	assert.Zero(t, rep.ReplayFailed)
	assert.Zero(t, rep.Unapplied)

	rec, err := f.rec.GetVoterRecord(f.ctx, p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.VoteUpvote, rec.VoteType)
	assert.False(t, rec.LocalOnly)
	assert.Equal(t, hash, rec.LedgerTxHash)
	assert.Equal(t, alice.Address().Hex(), rec.WalletAddress)

	entry, err := f.audit.Get(f.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReplicaApplied, entry.Phase)

	rep, err = f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Replayed)
}

func TestSweepSkipsSupersededVote(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusActive)
	_, alice := ledgertest.NewKey()
	ledgerID := *p.LedgerProposalID

	for i, vt := range []models.VoteType{models.VoteUpvote, models.VoteDownvote} {
		call, err := ledger.VoteCall(ledgerID, vt)
		if i > 0 {
			call, err = ledger.ChangeVoteCall(ledgerID, vt)
		}
		require.NoError(t, err)
		_, _, err = f.rec.submit(f.ctx, submission{
			signer: alice,
			call:   call,
			entry:  models.LedgerTransaction{ProposalID: &p.ID, LedgerProposalID: &ledgerID, Voter: "alice", VoteType: vt},
		})
		require.NoError(t, err)
	}

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Unapplied)

	tally, err := f.rec.GetTally(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Downvotes: 1}, tally)
}

func TestSweepAttachesLedgerID(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusPending)
	_, alice := ledgertest.NewKey()

	_, hash, err := f.rec.submit(f.ctx, submission{
		signer: alice,
		call:   ledger.CreateProposalCall(p.Title, p.Description, p.StartTime, p.EndTime),
		entry:  models.LedgerTransaction{ProposalID: &p.ID, Voter: "alice"},
		confirm: func(*ledger.Receipt) []audit.ConfirmOption {
			return []audit.ConfirmOption{audit.WithLedgerProposalID(1)}
		},
	})
	require.NoError(t, err)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)

	stored, err := f.rec.GetProposal(f.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerProposalID)
	assert.Equal(t, uint64(1), *stored.LedgerProposalID)
	assert.Equal(t, models.LedgerIDFromReplay, stored.LedgerIDSource)
	assert.True(t, stored.LedgerIDProvisional)

	entry, err := f.audit.Get(f.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReplicaApplied, entry.Phase)
}

// confirmCreate lands a createProposal transaction in the audit log for a
// replica row that was never written.
func (f *fixture) confirmCreate(t *testing.T, withID bool) (uuid.UUID, string) {
	t.Helper()
	d := f.draft()
	pid := uuid.New()
	s := submission{
		signer: f.owner,
		call:   ledger.CreateProposalCall(d.Title, d.Description, d.Start, d.End),
		entry:  models.LedgerTransaction{ProposalID: &pid, Voter: "owner"},
	}
	if withID {
		s.confirm = func(*ledger.Receipt) []audit.ConfirmOption {
			return []audit.ConfirmOption{audit.WithLedgerProposalID(1)}
		}
	}
	_, hash, err := f.rec.submit(f.ctx, s)
	require.NoError(t, err)
	return pid, hash
}

func TestSweepRebuildsMissingProposalFromLedger(t *testing.T) {
	f := newFixture(t)
	pid, hash := f.confirmCreate(t, true)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)
	assert.Zero(t, rep.ReplayFailed)
	assert.Zero(t, rep.Unapplied)

	p, err := f.rec.GetProposal(f.ctx, pid)
	require.NoError(t, err)
	d := f.draft()
	assert.Equal(t, d.Title, p.Title)
	assert.Equal(t, d.Description, p.Description)
	assert.Equal(t, "owner", p.AuthorID)
	assert.True(t, p.StartTime.Equal(d.Start.Truncate(time.Second)))
	require.NotNil(t, p.LedgerProposalID)
	assert.Equal(t, uint64(1), *p.LedgerProposalID)
	assert.Equal(t, models.LedgerIDFromReplay, p.LedgerIDSource)
	assert.True(t, p.LedgerIDProvisional)

	entry, err := f.audit.Get(f.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReplicaApplied, entry.Phase)
}

func TestSweepParksUnrebuildableProposalOnce(t *testing.T) {
	f := newFixture(t)
	_, hash := f.confirmCreate(t, false)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unrecoverable)
	assert.Zero(t, rep.ReplayFailed)
	assert.Zero(t, rep.Unapplied)
	assert.Empty(t, rep.Errors)

	entry, err := f.audit.Get(f.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseUnrecoverable, entry.Phase)
	assert.NotEmpty(t, entry.Error)

	rep, err = f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Unrecoverable)
	assert.Zero(t, rep.ReplayFailed)
}

func TestSweepAppliesLedgerStatus(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusPending)
	ledgerID := *p.LedgerProposalID

	call, err := ledger.UpdateStatusCall(ledgerID, models.StatusActive)
	require.NoError(t, err)
	_, _, err = f.rec.submit(f.ctx, submission{
		signer: f.owner,
		call:   call,
		entry:  models.LedgerTransaction{ProposalID: &p.ID, LedgerProposalID: &ledgerID, Voter: "admin", TargetStatus: models.StatusActive},
	})
	require.NoError(t, err)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)

	stored, err := f.rec.GetProposal(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestSweepRepairsDrift(t *testing.T) {
	f := newFixture(t)
	p := f.localProposal(t, models.StatusActive)
	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	require.NoError(t, f.store.DB().Model(&models.Proposal{}).Where("id = ?", p.ID).Update("downvotes", 3).Error)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drifted)

	tally, err := f.rec.GetTally(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Tally{Upvotes: 1}, tally)
}

func TestSweepSettlesDiscrepancy(t *testing.T) {
	f := newFixture(t)
	p := f.chainProposal(t, models.StatusPending)
	_, bob := ledgertest.NewKey()
	f.wallets.Bind("bob", bob)

	res, err := f.rec.TransitionStatus(f.ctx, p.ID, models.StatusActive, "", reviewer)
	require.NoError(t, err)
	require.NotNil(t, res.Discrepancy)

	rep, err := f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.DiscrepanciesResolved)
	assert.Equal(t, 1, rep.OpenDiscrepancies)

	call, err := ledger.UpdateStatusCall(*p.LedgerProposalID, models.StatusActive)
	require.NoError(t, err)
	_, err = f.client.Submit(f.ctx, f.owner, call, ledger.SubmitHook{})
	require.NoError(t, err)

	rep, err = f.rec.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DiscrepanciesResolved)
	assert.Zero(t, rep.OpenDiscrepancies)

	open, err := f.rec.ListDiscrepancies(f.ctx, replica.DiscrepancyFilter{ProposalID: p.ID})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOutcomeIsAdvisory(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MinVoters = 3 })
	p := f.localProposal(t, models.StatusActive)

	_, err := f.rec.CastVote(f.ctx, p.ID, "alice", models.VoteUpvote)
	require.NoError(t, err)
	out, err := f.rec.Outcome(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.OutcomeUndecided, out)

	_, err = f.rec.CastVote(f.ctx, p.ID, "bob", models.VoteUpvote)
	require.NoError(t, err)
	_, err = f.rec.CastVote(f.ctx, p.ID, "carol", models.VoteDownvote)
	require.NoError(t, err)
	out, err = f.rec.Outcome(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.OutcomePass, out)

	stored, err := f.rec.GetProposal(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
}
