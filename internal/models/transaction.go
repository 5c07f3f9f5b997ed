package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerTransaction records one submitted ledger transaction and the phase of
// the dual write it belongs to.
type LedgerTransaction struct {
	ID                uint           `gorm:"primaryKey"`
	Hash              string         `gorm:"size:80;uniqueIndex;not null"`
	Kind              TxKind         `gorm:"size:32;index;not null"`
	ProposalID        *uuid.UUID     `gorm:"type:uuid;index"`
	LedgerProposalID  *uint64        `gorm:"index"`
	Voter             string         `gorm:"size:128;index"`
	SubmittingAddress string         `gorm:"size:64;index"`
	VoteType          VoteType       `gorm:"size:16"`
	TargetStatus      ProposalStatus `gorm:"size:16"`
	Status            TxStatus       `gorm:"size:16;index;not null"`
	Phase             AttemptPhase   `gorm:"size:24;index;not null"`
	GasUsed           uint64
	GasPrice          string `gorm:"size:80"`
	BlockNumber       *uint64
	Fee               string `gorm:"size:80"`
	Error             string `gorm:"type:text"`
	Network           string `gorm:"size:32;default:hardhat"`
	ConfirmedAt       *time.Time
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
}

// Discrepancy reasons.
const (
	DiscrepancyNotOwner          = "not_owner"
	DiscrepancyLedgerUnavailable = "ledger_unavailable"
	DiscrepancyNoBinding         = "no_ledger_binding"
)

// StatusDiscrepancy records a status change applied to the replica but not to
// the ledger.
type StatusDiscrepancy struct {
	ID               uint           `gorm:"primaryKey"`
	ProposalID       uuid.UUID      `gorm:"type:uuid;index;not null"`
	LedgerProposalID *uint64        `gorm:"index"`
	ReplicaStatus    ProposalStatus `gorm:"size:16"`
	TargetStatus     ProposalStatus `gorm:"size:16;not null"`
	ActorID          string         `gorm:"size:128"`
	Reason           string         `gorm:"size:32;index"`
	Detail           string         `gorm:"type:text"`
	TxHash           string         `gorm:"size:80"`
	Resolved         bool           `gorm:"index;not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
