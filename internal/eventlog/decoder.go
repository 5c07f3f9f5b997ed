// Package eventlog recovers the ledger-assigned proposal id from a
// createProposal receipt.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"governance-sync/internal/ledger"
	"governance-sync/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ErrNoProposalID matches every DecodeError.
var ErrNoProposalID = errors.New("no proposal id in receipt")

// DecodeError lists why each strategy failed.
type DecodeError struct {
	TxHash common.Hash
	Causes []error
}

func (e *DecodeError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("decode proposal id from %s: %s", e.TxHash.Hex(), strings.Join(parts, "; "))
}

func (e *DecodeError) Is(target error) bool { return target == ErrNoProposalID }

func (e *DecodeError) Unwrap() []error { return e.Causes }

// Reader is the part of the ledger client the count fallback needs.
type Reader interface {
	GetProposalCount(ctx context.Context) (uint64, error)
	GetProposal(ctx context.Context, id uint64) (*ledger.OnChainProposal, error)
}

// Expect describes the proposal the receipt should have created.
type Expect struct {
	Proposer common.Address
	Title    string
}

// Result is a recovered ledger id.
type Result struct {
	ID          uint64
	Source      string // models.LedgerIDFrom*
	Provisional bool
}

// Decoder extracts proposal ids from receipts.
type Decoder struct {
	abi      abi.ABI
	event    abi.Event
	contract common.Address
	reader   Reader
	log      *zap.Logger
}

// NewDecoder builds a decoder for logs emitted by contract. reader may be
// nil, which disables the count fallback.
func NewDecoder(contract common.Address, reader Reader, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	a := ledger.ContractABI()
	return &Decoder{
		abi:      a,
		event:    a.Events[ledger.EventProposalCreated],
		contract: contract,
		reader:   reader,
		log:      log,
	}
}

// Decode tries, in order: the structured ProposalCreated event, the raw
// first indexed topic, and (only when the receipt has no logs at all) the
// contract's proposal count checked against expect. A count-derived id is
// provisional.
func (d *Decoder) Decode(ctx context.Context, rcpt *ledger.Receipt, expect Expect) (Result, error) {
	if rcpt == nil {
		return Result{}, &DecodeError{Causes: []error{errors.New("nil receipt")}}
	}
	derr := &DecodeError{TxHash: rcpt.TxHash}

	id, err := d.fromEvent(rcpt, expect)
	if err == nil {
		return Result{ID: id, Source: models.LedgerIDFromEvent}, nil
	}
	derr.Causes = append(derr.Causes, fmt.Errorf("event: %w", err))

	id, err = d.fromTopic(rcpt)
	if err == nil {
		d.log.Warn("proposal id recovered from raw topic", zap.String("tx", rcpt.TxHash.Hex()), zap.Uint64("id", id))
		return Result{ID: id, Source: models.LedgerIDFromTopic}, nil
	}
	derr.Causes = append(derr.Causes, fmt.Errorf("topic: %w", err))

	if len(rcpt.Logs) > 0 {
		derr.Causes = append(derr.Causes, errors.New("count: skipped, receipt has logs"))
		return Result{}, derr
	}
	id, err = d.fromCount(ctx, expect)
	if err == nil {
		d.log.Warn("provisional proposal id from proposal count", zap.String("tx", rcpt.TxHash.Hex()), zap.Uint64("id", id))
		return Result{ID: id, Source: models.LedgerIDFromCount, Provisional: true}, nil
	}
	derr.Causes = append(derr.Causes, fmt.Errorf("count: %w", err))
	return Result{}, derr
}

func (d *Decoder) fromEvent(rcpt *ledger.Receipt, expect Expect) (uint64, error) {
	var lastErr error = errors.New("no ProposalCreated log")
	for _, lg := range rcpt.Logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != d.event.ID {
			continue
		}
		if (d.contract != common.Address{}) && lg.Address != d.contract {
			continue
		}
		fields := make(map[string]interface{})
		if err := abi.ParseTopicsIntoMap(fields, indexed(d.event.Inputs), lg.Topics[1:]); err != nil {
			lastErr = fmt.Errorf("parse topics: %w", err)
			continue
		}
		if err := d.abi.UnpackIntoMap(fields, d.event.Name, lg.Data); err != nil {
			lastErr = fmt.Errorf("unpack data: %w", err)
			continue
		}
		id, ok := fields["id"].(*big.Int)
		if !ok || !id.IsUint64() {
			lastErr = errors.New("id field missing or out of range")
			continue
		}
		if proposer, ok := fields["proposer"].(common.Address); ok &&
			(expect.Proposer != common.Address{}) && proposer != expect.Proposer {
			lastErr = fmt.Errorf("proposer %s does not match %s", proposer.Hex(), expect.Proposer.Hex())
			continue
		}
		return id.Uint64(), nil
	}
	return 0, lastErr
}

func (d *Decoder) fromTopic(rcpt *ledger.Receipt) (uint64, error) {
	for _, lg := range rcpt.Logs {
		if lg == nil || len(lg.Topics) < 2 || lg.Topics[0] != d.event.ID {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if id.Sign() == 0 || !id.IsUint64() {
			return 0, fmt.Errorf("topic value %s is not a proposal id", id)
		}
		return id.Uint64(), nil
	}
	return 0, errors.New("no log with an indexed id topic")
}

func (d *Decoder) fromCount(ctx context.Context, expect Expect) (uint64, error) {
	if d.reader == nil {
		return 0, errors.New("no ledger reader")
	}
	count, err := d.reader.GetProposalCount(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, errors.New("contract reports no proposals")
	}
	p, err := d.reader.GetProposal(ctx, count)
	if err != nil {
		return 0, err
	}
	if p.Proposer != expect.Proposer || p.Title != expect.Title {
		return 0, fmt.Errorf("latest proposal %d was created by %s, not the submitter", count, p.Proposer.Hex())
	}
	return count, nil
}

func indexed(args abi.Arguments) abi.Arguments {
	var out abi.Arguments
	for _, a := range args {
		if a.Indexed {
			out = append(out, a)
		}
	}
	return out
}
