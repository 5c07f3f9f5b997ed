package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger id sources recorded on a proposal.
const (
	LedgerIDFromEvent = "event"
	LedgerIDFromTopic = "topic"
	LedgerIDFromCount = "count"

	// LedgerIDFromReplay marks an id attached by the reconciliation sweep.
	LedgerIDFromReplay = "replay"
)

// Proposal is the replica's view of a governance proposal. The tally columns
// are a cache of Votes; Votes is the source of truth.
type Proposal struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey"`
	LedgerProposalID    *uint64        `gorm:"uniqueIndex"`
	LedgerIDSource      string         `gorm:"size:16"`
	LedgerIDProvisional bool           `gorm:"not null;default:false"`
	Title               string         `gorm:"size:200;not null"`
	Description         string         `gorm:"type:text;not null"`
	Category            string         `gorm:"size:64;default:general"`
	AuthorID            string         `gorm:"size:128;index"`
	Status              ProposalStatus `gorm:"size:16;index;not null"`
	RejectionReason     *string        `gorm:"type:text"`
	StartTime           time.Time      `gorm:"index;not null"`
	EndTime             time.Time      `gorm:"index;not null"`
	Upvotes             int64          `gorm:"not null;default:0"`
	Downvotes           int64          `gorm:"not null;default:0"`
	Abstains            int64          `gorm:"not null;default:0"`
	Votes               []VoteRecord   `gorm:"foreignKey:ProposalID"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           gorm.DeletedAt `gorm:"index"`
}

// ChainBacked reports whether the proposal has a ledger-assigned id.
func (p *Proposal) ChainBacked() bool {
	return p.LedgerProposalID != nil
}

// Tally returns the cached counters.
func (p *Proposal) Tally() Tally {
	return Tally{Upvotes: p.Upvotes, Downvotes: p.Downvotes, Abstains: p.Abstains}
}

// SetTally overwrites the cached counters.
func (p *Proposal) SetTally(t Tally) {
	p.Upvotes, p.Downvotes, p.Abstains = t.Upvotes, t.Downvotes, t.Abstains
}

// Tally holds the per-proposal counters.
type Tally struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Abstains  int64 `json:"abstains"`
}

// Total is the number of votes counted.
func (t Tally) Total() int64 {
	return t.Upvotes + t.Downvotes + t.Abstains
}

// Add moves bucket v by delta, flooring at zero.
func (t *Tally) Add(v VoteType, delta int64) {
	var bucket *int64
	switch v {
	case VoteUpvote:
		bucket = &t.Upvotes
	case VoteDownvote:
		bucket = &t.Downvotes
	case VoteAbstain:
		bucket = &t.Abstains
	default:
		return
	}
	*bucket += delta
	if *bucket < 0 {
		*bucket = 0
	}
}

// Negative reports whether any counter is below zero.
func (t Tally) Negative() bool {
	return t.Upvotes < 0 || t.Downvotes < 0 || t.Abstains < 0
}

// TallyOf recomputes counters from vote records.
func TallyOf(records []VoteRecord) Tally {
	var t Tally
	for _, r := range records {
		t.Add(r.VoteType, 1)
	}
	return t
}

// VoteRecord is a single voter's current choice on a proposal. At most one
// exists per (proposal, voter).
type VoteRecord struct {
	ID            uint      `gorm:"primaryKey"`
	ProposalID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_vote_proposal_voter"`
	Voter         string    `gorm:"size:128;not null;uniqueIndex:ux_vote_proposal_voter;index"`
	VoteType      VoteType  `gorm:"size:16;not null"`
	VotedAt       time.Time `gorm:"index"`
	LocalOnly     bool      `gorm:"not null;default:false;index"`
	WalletAddress string    `gorm:"size:64"`
	LedgerTxHash  string    `gorm:"size:80"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Comment is a discussion entry on a proposal. Replies carry ParentID.
type Comment struct {
	ID         uint      `gorm:"primaryKey"`
	ProposalID uuid.UUID `gorm:"type:uuid;not null;index"`
	ParentID   *uint     `gorm:"index"`
	AuthorID   string    `gorm:"size:128;not null"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time
}
