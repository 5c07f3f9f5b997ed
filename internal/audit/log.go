// Package audit is the append-only record of ledger transactions and the
// phase each dual-write attempt has reached.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"governance-sync/internal/ledger"
	"governance-sync/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no entry has the requested hash.
	ErrNotFound = errors.New("audit entry not found")
	// ErrDuplicateHash is returned when Begin sees a hash already logged.
	ErrDuplicateHash = errors.New("audit entry already exists")
	// ErrTerminal is returned when an entry already reached confirmed or
	// failed and a second terminal transition is attempted.
	ErrTerminal = errors.New("audit entry already terminal")
)

// Log stores LedgerTransaction entries.
type Log struct {
	db      *gorm.DB
	network string
	log     *zap.Logger
}

// New creates a log over db. network labels new entries.
func New(db *gorm.DB, network string, log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	if network == "" {
		network = "hardhat"
	}
	return &Log{db: db, network: network, log: log}
}

// WithTx returns a Log bound to an open transaction.
func (l *Log) WithTx(tx *gorm.DB) *Log {
	return &Log{db: tx, network: l.network, log: l.log}
}

// Begin appends a pending entry in phase initiated.
func (l *Log) Begin(ctx context.Context, entry *models.LedgerTransaction) error {
	if strings.TrimSpace(entry.Hash) == "" {
		return fmt.Errorf("audit entry requires a hash")
	}
	entry.Status = models.TxPending
	entry.Phase = models.PhaseInitiated
	if entry.Network == "" {
		entry.Network = l.network
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.LedgerTransaction{}).Where("hash = ?", entry.Hash).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateHash, entry.Hash)
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		l.log.Debug("audit entry initiated", zap.String("hash", entry.Hash), zap.String("kind", string(entry.Kind)))
		return nil
	})
}

// MarkSubmitted records that the transaction was broadcast.
func (l *Log) MarkSubmitted(ctx context.Context, hash string) error {
	res := l.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("hash = ? AND status = ? AND phase = ?", hash, models.TxPending, models.PhaseInitiated).
		Update("phase", models.PhaseSubmitted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		e, err := l.Get(ctx, hash)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, hash, e.Status)
		}
	}
	return nil
}

// ConfirmOption adds fields recorded at confirmation.
type ConfirmOption func(updates map[string]interface{})

// WithLedgerProposalID records the proposal id a create transaction was
// assigned.
func WithLedgerProposalID(id uint64) ConfirmOption {
	return func(u map[string]interface{}) { u["ledger_proposal_id"] = id }
}

// Confirm moves a pending entry to confirmed and stores the receipt's cost
// metrics. It happens at most once per entry.
func (l *Log) Confirm(ctx context.Context, hash string, rcpt *ledger.Receipt, opts ...ConfirmOption) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       models.TxConfirmed,
		"phase":        models.PhaseConfirmed,
		"confirmed_at": now,
	}
	for _, opt := range opts {
		opt(updates)
	}
	if rcpt != nil {
		updates["gas_used"] = rcpt.GasUsed
		updates["fee"] = rcpt.Fee().Dec()
		if rcpt.GasPrice != nil {
			updates["gas_price"] = rcpt.GasPrice.String()
		}
		bn := rcpt.BlockNumber
		updates["block_number"] = &bn
		if (rcpt.From != common.Address{}) {
			updates["submitting_address"] = rcpt.From.Hex()
		}
	}
	if err := l.terminal(ctx, hash, updates); err != nil {
		return err
	}
	l.log.Info("ledger transaction confirmed", zap.String("hash", hash))
	return nil
}

// Fail moves a pending entry to failed.
func (l *Log) Fail(ctx context.Context, hash string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.terminal(ctx, hash, map[string]interface{}{
		"status": models.TxFailed,
		"error":  msg,
	}); err != nil {
		return err
	}
	l.log.Warn("ledger transaction failed", zap.String("hash", hash), zap.String("reason", string(ledger.ReasonOf(cause))))
	return nil
}

func (l *Log) terminal(ctx context.Context, hash string, updates map[string]interface{}) error {
	res := l.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("hash = ? AND status = ?", hash, models.TxPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	e, err := l.Get(ctx, hash)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrTerminal, hash, e.Status)
}

// MarkReplicaApplied closes the dual write for a confirmed entry. Calling it
// again is a no-op.
func (l *Log) MarkReplicaApplied(ctx context.Context, hash string) error {
	res := l.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("hash = ? AND status = ? AND phase = ?", hash, models.TxConfirmed, models.PhaseConfirmed).
		Update("phase", models.PhaseReplicaApplied)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		e, err := l.Get(ctx, hash)
		if err != nil {
			return err
		}
		if e.Status != models.TxConfirmed {
			return fmt.Errorf("audit entry %s is %s, not confirmed", hash, e.Status)
		}
	}
	return nil
}

// MarkUnrecoverable parks a confirmed entry whose replica update can never be
// applied. detail is kept in the entry's error column.
func (l *Log) MarkUnrecoverable(ctx context.Context, hash, detail string) error {
	res := l.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("hash = ? AND status = ? AND phase = ?", hash, models.TxConfirmed, models.PhaseConfirmed).
		Updates(map[string]interface{}{"phase": models.PhaseUnrecoverable, "error": detail})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		e, err := l.Get(ctx, hash)
		if err != nil {
			return err
		}
		return fmt.Errorf("audit entry %s is %s/%s, not awaiting replay", hash, e.Status, e.Phase)
	}
	l.log.Error("ledger transaction cannot be applied to the replica", zap.String("hash", hash), zap.String("detail", detail))
	return nil
}

// Get loads one entry by hash.
func (l *Log) Get(ctx context.Context, hash string) (*models.LedgerTransaction, error) {
	var e models.LedgerTransaction
	err := l.db.WithContext(ctx).Where("hash = ?", hash).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListUnapplied returns confirmed entries whose replica update never landed,
// oldest first.
func (l *Log) ListUnapplied(ctx context.Context, limit int) ([]models.LedgerTransaction, error) {
	q := l.db.WithContext(ctx).
		Where("status = ? AND phase = ?", models.TxConfirmed, models.PhaseConfirmed).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.LedgerTransaction
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListByVoter returns a voter's entries, newest first.
func (l *Log) ListByVoter(ctx context.Context, voter string) ([]models.LedgerTransaction, error) {
	var out []models.LedgerTransaction
	if err := l.db.WithContext(ctx).Where("voter = ?", voter).Order("id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MatchingVote returns the newest confirmed vote or change-vote entry for
// (proposal, voter), or ErrNotFound. A vote record without one is local-only.
func (l *Log) MatchingVote(ctx context.Context, proposalID uuid.UUID, voter string) (*models.LedgerTransaction, error) {
	var e models.LedgerTransaction
	err := l.db.WithContext(ctx).
		Where("proposal_id = ? AND voter = ? AND status = ? AND kind IN ?",
			proposalID, voter, models.TxConfirmed, []models.TxKind{models.TxVote, models.TxChangeVote}).
		Order("id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no confirmed vote for %s on %s", ErrNotFound, voter, proposalID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Stats summarises the log.
type Stats struct {
	Total       int64
	ByStatus    map[models.TxStatus]int64
	Unapplied   int64
	TotalGas    uint64
	TotalFee    *uint256.Int
	AverageGas  uint64
	LastEntryAt time.Time
}

// Stats aggregates counts, gas and fees over confirmed entries.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: make(map[models.TxStatus]int64), TotalFee: new(uint256.Int)}

	type row struct {
		Status models.TxStatus
		N      int64
	}
	var rows []row
	if err := l.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return st, err
	}
	for _, r := range rows {
		st.ByStatus[r.Status] = r.N
		st.Total += r.N
	}
	if err := l.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("status = ? AND phase = ?", models.TxConfirmed, models.PhaseConfirmed).
		Count(&st.Unapplied).Error; err != nil {
		return st, err
	}

	var confirmed []models.LedgerTransaction
	if err := l.db.WithContext(ctx).Select("gas_used", "fee").
		Where("status = ?", models.TxConfirmed).Find(&confirmed).Error; err != nil {
		return st, err
	}
	for _, e := range confirmed {
		st.TotalGas += e.GasUsed
		if e.Fee == "" {
			continue
		}
		fee, err := uint256.FromDecimal(e.Fee)
		if err != nil {
			l.log.Warn("unparseable fee in audit log", zap.String("fee", e.Fee), zap.Error(err))
			continue
		}
		st.TotalFee.Add(st.TotalFee, fee)
	}
	if n := len(confirmed); n > 0 {
		st.AverageGas = st.TotalGas / uint64(n)
	}

	var last models.LedgerTransaction
	err := l.db.WithContext(ctx).Order("id DESC").First(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return st, err
	}
	st.LastEntryAt = last.CreatedAt
	return st, nil
}
