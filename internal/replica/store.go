// Package replica is the queryable mirror of proposals, tallies and voter
// records. Tally counters are a cache of the voter records.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"governance-sync/internal/models"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists the replica through gorm. Writes that touch a proposal's
// tally are serialized per proposal.
type Store struct {
	db    *gorm.DB
	locks *xsync.Map[uuid.UUID, *sync.Mutex]
	log   *zap.Logger
}

// New creates a store over db.
func New(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:    db,
		locks: xsync.NewMap[uuid.UUID, *sync.Mutex](),
		log:   log,
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) lock(id uuid.UUID) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// forUpdate locks the proposal row where the dialect supports it.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func loadProposal(tx *gorm.DB, id uuid.UUID) (*models.Proposal, error) {
	var p models.Proposal
	err := forUpdate(tx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProposal inserts p.
func (s *Store) CreateProposal(ctx context.Context, p *models.Proposal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

// GetProposal loads a proposal with its vote records in cast order.
func (s *Store) GetProposal(ctx context.Context, id uuid.UUID) (*models.Proposal, error) {
	var p models.Proposal
	err := s.db.WithContext(ctx).
		Preload("Votes", func(db *gorm.DB) *gorm.DB { return db.Order("voted_at ASC, id ASC") }).
		Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByLedgerID finds the proposal linked to a ledger id.
func (s *Store) GetByLedgerID(ctx context.Context, ledgerID uint64) (*models.Proposal, error) {
	var p models.Proposal
	err := s.db.WithContext(ctx).Where("ledger_proposal_id = ?", ledgerID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: ledger id %d", ErrProposalNotFound, ledgerID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProposals returns proposals, newest first. An empty status lists all.
func (s *Store) ListProposals(ctx context.Context, status models.ProposalStatus) ([]models.Proposal, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Proposal
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetLedgerID links a proposal to its ledger id. A provisional id may be
// replaced by a definitive one; a definitive id is never replaced.
func (s *Store) SetLedgerID(ctx context.Context, id uuid.UUID, ledgerID uint64, source string, provisional bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProposal(tx, id)
		if err != nil {
			return err
		}
		if p.LedgerProposalID != nil && !p.LedgerIDProvisional && *p.LedgerProposalID != ledgerID {
			return fmt.Errorf("%w: proposal %s already has ledger id %d", ErrLedgerIDTaken, id, *p.LedgerProposalID)
		}
		var n int64
		if err := tx.Model(&models.Proposal{}).
			Where("ledger_proposal_id = ? AND id <> ?", ledgerID, id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d", ErrLedgerIDTaken, ledgerID)
		}
		return tx.Model(&models.Proposal{}).Where("id = ?", id).Updates(map[string]interface{}{
			"ledger_proposal_id":    ledgerID,
			"ledger_id_source":      source,
			"ledger_id_provisional": provisional,
		}).Error
	})
}

// Mutate runs fn on a locked proposal inside a transaction and persists its
// status and rejection reason afterwards.
func (s *Store) Mutate(ctx context.Context, id uuid.UUID, fn func(tx *gorm.DB, p *models.Proposal) error) (*models.Proposal, error) {
	unlock := s.lock(id)
	defer unlock()

	var out *models.Proposal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProposal(tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, p); err != nil {
			return err
		}
		if err := tx.Model(p).Select("status", "rejection_reason").Updates(p).Error; err != nil {
			return fmt.Errorf("update proposal: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// UpdateStatus sets a proposal's status without any lifecycle checks.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ProposalStatus, reason *string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	_, err := s.Mutate(ctx, id, func(_ *gorm.DB, p *models.Proposal) error {
		p.Status = status
		p.RejectionReason = reason
		return nil
	})
	return err
}

// SoftDelete hides a proposal. Rows are kept so audit entries stay resolvable.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Proposal{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return nil
}

// VoteChange is one voter's cast to fold into the replica.
type VoteChange struct {
	ProposalID    uuid.UUID
	Voter         string
	VoteType      models.VoteType
	LocalOnly     bool
	WalletAddress string
	TxHash        string
	At            time.Time
	// After runs inside the same transaction once the delta is written.
	After func(tx *gorm.DB) error
}

// VoteOutcome is the replica state after ApplyVote.
type VoteOutcome struct {
	Tally    models.Tally
	Previous models.VoteType // empty on a first vote
	Changed  bool
	Record   models.VoteRecord
}

// ApplyVote replaces the voter's record and moves the tally by the delta.
// Casting the same type again leaves the tally unchanged. If the cached
// counters disagree with the records they are recomputed and a
// ConsistencyError is returned without applying the vote. A change without a
// transaction hash is always recorded local-only.
func (s *Store) ApplyVote(ctx context.Context, ch VoteChange) (VoteOutcome, error) {
	if !ch.VoteType.Valid() {
		return VoteOutcome{}, fmt.Errorf("unknown vote type %q", ch.VoteType)
	}
	if ch.Voter == "" {
		return VoteOutcome{}, fmt.Errorf("voter required")
	}
	if ch.At.IsZero() {
		ch.At = time.Now().UTC()
	}
	if ch.TxHash == "" {
		ch.LocalOnly = true
	}

	unlock := s.lock(ch.ProposalID)
	defer unlock()

	var (
		out   VoteOutcome
		drift *ConsistencyError
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProposal(tx, ch.ProposalID)
		if err != nil {
			return err
		}
		if drift, err = reconcileTally(tx, p); err != nil || drift != nil {
			return err
		}

		tally := p.Tally()
		var rec models.VoteRecord
		err = tx.Where("proposal_id = ? AND voter = ?", ch.ProposalID, ch.Voter).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = models.VoteRecord{ProposalID: ch.ProposalID, Voter: ch.Voter}
			tally.Add(ch.VoteType, 1)
			out.Changed = true
		case err != nil:
			return err
		case rec.VoteType != ch.VoteType:
			out.Previous = rec.VoteType
			tally.Add(rec.VoteType, -1)
			tally.Add(ch.VoteType, 1)
			out.Changed = true
		default:
			out.Previous = rec.VoteType
		}

		if out.Changed {
			rec.VotedAt = ch.At
		}
		rec.VoteType = ch.VoteType
		switch {
		case out.Changed:
			rec.LocalOnly, rec.WalletAddress, rec.LedgerTxHash = ch.LocalOnly, ch.WalletAddress, ch.TxHash
		case !ch.LocalOnly:
			// A chain-backed repeat upgrades a local-only record of the same type.
			rec.LocalOnly = false
			rec.LedgerTxHash = ch.TxHash
			if ch.WalletAddress != "" {
				rec.WalletAddress = ch.WalletAddress
			}
		}
		if rec.ID == 0 {
			err = tx.Create(&rec).Error
		} else {
			err = tx.Save(&rec).Error
		}
		if err != nil {
			return fmt.Errorf("save vote record: %w", err)
		}
		if out.Changed {
			p.SetTally(tally)
			if err := tx.Model(p).Select("upvotes", "downvotes", "abstains").Updates(p).Error; err != nil {
				return fmt.Errorf("update tally: %w", err)
			}
		}
		if ch.After != nil {
			if err := ch.After(tx); err != nil {
				return err
			}
		}
		out.Tally = tally
		out.Record = rec
		return nil
	})
	if err != nil {
		return VoteOutcome{}, err
	}
	if drift != nil {
		s.log.Error("tally drift detected; recomputed from voter records",
			zap.String("proposal", ch.ProposalID.String()),
			zap.Any("cached", drift.Cached),
			zap.Int64("records", drift.Records),
			zap.Any("recomputed", drift.Recomputed))
		return VoteOutcome{}, drift
	}
	return out, nil
}

// reconcileTally recomputes and persists p's counters when they are negative
// or do not sum to the record count. It returns the drift it repaired.
func reconcileTally(tx *gorm.DB, p *models.Proposal) (*ConsistencyError, error) {
	var records []models.VoteRecord
	if err := tx.Where("proposal_id = ?", p.ID).Find(&records).Error; err != nil {
		return nil, err
	}
	cached := p.Tally()
	if !cached.Negative() && cached.Total() == int64(len(records)) {
		return nil, nil
	}
	fresh := models.TallyOf(records)
	p.SetTally(fresh)
	if err := tx.Model(p).Select("upvotes", "downvotes", "abstains").Updates(p).Error; err != nil {
		return nil, fmt.Errorf("persist recomputed tally: %w", err)
	}
	return &ConsistencyError{ProposalID: p.ID, Cached: cached, Records: int64(len(records)), Recomputed: fresh}, nil
}

// GetTally returns the cached counters.
func (s *Store) GetTally(ctx context.Context, id uuid.UUID) (models.Tally, error) {
	var p models.Proposal
	err := s.db.WithContext(ctx).Select("id", "upvotes", "downvotes", "abstains").Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Tally{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if err != nil {
		return models.Tally{}, err
	}
	return p.Tally(), nil
}

// GetVoterRecord returns voter's current record on a proposal.
func (s *Store) GetVoterRecord(ctx context.Context, id uuid.UUID, voter string) (*models.VoteRecord, error) {
	var rec models.VoteRecord
	err := s.db.WithContext(ctx).Where("proposal_id = ? AND voter = ?", id, voter).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s on %s", ErrVoteNotFound, voter, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CheckConsistency verifies that the cached tally matches the vote records for one proposal and
// repairs it if broken, returning the ConsistencyError it repaired.
func (s *Store) CheckConsistency(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id)
	defer unlock()

	var drift *ConsistencyError
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProposal(tx, id)
		if err != nil {
			return err
		}
		drift, err = reconcileTally(tx, p)
		return err
	})
	if err != nil {
		return err
	}
	if drift != nil {
		return drift
	}
	return nil
}

// RecomputeTally rebuilds the counters from the voter records
// unconditionally.
func (s *Store) RecomputeTally(ctx context.Context, id uuid.UUID) (models.Tally, error) {
	unlock := s.lock(id)
	defer unlock()

	var fresh models.Tally
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProposal(tx, id)
		if err != nil {
			return err
		}
		var records []models.VoteRecord
		if err := tx.Where("proposal_id = ?", id).Find(&records).Error; err != nil {
			return err
		}
		fresh = models.TallyOf(records)
		p.SetTally(fresh)
		return tx.Model(p).Select("upvotes", "downvotes", "abstains").Updates(p).Error
	})
	return fresh, err
}

// ProposalIDs lists every live proposal id.
func (s *Store) ProposalIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&models.Proposal{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
