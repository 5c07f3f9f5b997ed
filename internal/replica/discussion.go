package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"governance-sync/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecordDiscrepancy persists a status change the ledger did not accept.
func (s *Store) RecordDiscrepancy(ctx context.Context, d *models.StatusDiscrepancy) error {
	if d.ProposalID == uuid.Nil || !d.TargetStatus.Valid() {
		return fmt.Errorf("discrepancy requires a proposal and a target status")
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("record discrepancy: %w", err)
	}
	s.log.Warn("status discrepancy recorded",
		zap.String("proposal", d.ProposalID.String()),
		zap.String("target", string(d.TargetStatus)),
		zap.String("reason", d.Reason))
	return nil
}

// ResolveDiscrepancy marks a discrepancy as settled.
func (s *Store) ResolveDiscrepancy(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.StatusDiscrepancy{}).
		Where("id = ? AND resolved = ?", id, false).
		Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.StatusDiscrepancy{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("discrepancy %d not found", id)
		}
	}
	return nil
}

// ResolveDiscrepanciesFor settles every open discrepancy on a proposal, once
// ledger and replica agree again. It returns how many were settled.
func (s *Store) ResolveDiscrepanciesFor(ctx context.Context, proposalID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.StatusDiscrepancy{}).
		Where("proposal_id = ? AND resolved = ?", proposalID, false).
		Update("resolved", true)
	return res.RowsAffected, res.Error
}

// DiscrepancyFilter narrows ListDiscrepancies.
type DiscrepancyFilter struct {
	ProposalID      uuid.UUID // zero: any
	IncludeResolved bool
}

// ListDiscrepancies returns discrepancies, oldest first.
func (s *Store) ListDiscrepancies(ctx context.Context, f DiscrepancyFilter) ([]models.StatusDiscrepancy, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if f.ProposalID != uuid.Nil {
		q = q.Where("proposal_id = ?", f.ProposalID)
	}
	if !f.IncludeResolved {
		q = q.Where("resolved = ?", false)
	}
	var out []models.StatusDiscrepancy
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AddComment appends a comment. A reply's parent must belong to the same
// proposal.
func (s *Store) AddComment(ctx context.Context, c *models.Comment) error {
	c.Content = strings.TrimSpace(c.Content)
	if c.Content == "" || c.AuthorID == "" {
		return fmt.Errorf("comment requires an author and content")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Proposal{}).Where("id = ?", c.ProposalID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrProposalNotFound, c.ProposalID)
		}
		if c.ParentID != nil {
			var parent models.Comment
			err := tx.Where("id = ?", *c.ParentID).First(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && parent.ProposalID != c.ProposalID) {
				return fmt.Errorf("%w: parent %d", ErrCommentNotFound, *c.ParentID)
			}
			if err != nil {
				return err
			}
		}
		return tx.Create(c).Error
	})
}

// ListComments returns a proposal's comments in posting order.
func (s *Store) ListComments(ctx context.Context, proposalID uuid.UUID) ([]models.Comment, error) {
	var out []models.Comment
	if err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
