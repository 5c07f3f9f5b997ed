// Package ledgertest provides an in-memory governance contract that speaks
// the ledger.Backend interface, for tests.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"governance-sync/internal/ledger"
	"governance-sync/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainID is the chain id the fake reports (hardhat's default).
var ChainID = big.NewInt(31337)

// ContractAddress is where the fake pretends the contract lives.
var ContractAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// GasUsed is charged for every mined transaction.
const GasUsed = 21000

// GasPrice is suggested for, and charged on, every transaction.
var GasPrice = big.NewInt(1_000_000_000)

type proposal struct {
	id          *big.Int
	title       string
	description string
	proposer    common.Address
	start, end  *big.Int
	tally       [3]int64
	status      uint8
}

type userVote struct {
	code  uint8
	voted bool
}

// Backend is a single-contract chain that mines every transaction instantly.
type Backend struct {
	mu        sync.Mutex
	abi       abi.ABI
	owner     common.Address
	proposals []*proposal
	votes     map[uint64]map[common.Address]userVote
	receipts  map[common.Hash]*types.Receipt
	block     uint64

	// Fault injection. Set before use or under the test's own ordering.
	Unreachable  bool   // every call fails as a dial error
	NotDeployed  bool   // no code at the contract address
	OmitLogs     bool   // mined receipts carry no logs
	MangleLogs   bool   // ProposalCreated logs carry undecodable data
	NeverMine    bool   // receipts are never found
	RevertOnMine bool   // transactions are mined with failed status
	SendErr      error  // returned from SendTransaction
	Sent         int    // successful SendTransaction calls
	Calls        int    // CallContract invocations
	ExtraCreates uint64 // proposals created by "someone else" after each create
}

// NewBackend creates a fake owned by owner.
func NewBackend(owner common.Address) *Backend {
	return &Backend{
		abi:      ledger.ContractABI(),
		owner:    owner,
		votes:    make(map[uint64]map[common.Address]userVote),
		receipts: make(map[common.Hash]*types.Receipt),
		block:    100,
	}
}

// NewKey generates a throwaway signer.
func NewKey() (*ecdsa.PrivateKey, ledger.Signer) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key, ledger.NewKeySignerFromKey(key)
}

var errDial = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return nil, errDial
	}
	return new(big.Int).Set(ChainID), nil
}

func (b *Backend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return nil, errDial
	}
	if b.NotDeployed || account != ContractAddress {
		return nil, nil
	}
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls++
	if b.Unreachable {
		return nil, errDial
	}
	if b.NotDeployed {
		return nil, nil
	}
	method, args, err := b.decode(msg.Data)
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case ledger.MethodGetProposal:
		p, err := b.lookup(args[0].(*big.Int))
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(p.id, p.title, p.description, p.proposer, p.start, p.end,
			big.NewInt(p.tally[0]), big.NewInt(p.tally[1]), big.NewInt(p.tally[2]), p.status)
	case ledger.MethodGetUserVote:
		v := b.votes[args[0].(*big.Int).Uint64()][args[1].(common.Address)]
		return method.Outputs.Pack(v.code, v.voted)
	case ledger.MethodGetProposalCount:
		return method.Outputs.Pack(big.NewInt(int64(len(b.proposals))))
	case ledger.MethodOwner:
		return method.Outputs.Pack(b.owner)
	default:
		return nil, fmt.Errorf("execution reverted: %s is not a view", method.Name)
	}
}

func (b *Backend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return 0, errDial
	}
	return 0, nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return nil, errDial
	}
	return new(big.Int).Set(GasPrice), nil
}

func (b *Backend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return 0, errDial
	}
	if err := b.execute(msg.From, msg.Data, true); err != nil {
		return 0, err
	}
	return GasUsed, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return errDial
	}
	if b.SendErr != nil {
		return b.SendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(ChainID), tx)
	if err != nil {
		return err
	}
	b.Sent++
	b.block++
	status := types.ReceiptStatusSuccessful
	var logs []*types.Log
	if b.RevertOnMine {
		status = types.ReceiptStatusFailed
	} else if err := b.execute(from, tx.Data(), false); err != nil {
		status = types.ReceiptStatusFailed
	} else {
		logs = b.logsFor(tx)
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           GasUsed,
		EffectiveGasPrice: tx.GasPrice(),
		BlockNumber:       new(big.Int).SetUint64(b.block),
		Logs:              logs,
	}
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Unreachable {
		return nil, errDial
	}
	r, ok := b.receipts[hash]
	if !ok || b.NeverMine {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// UserVote reports the contract's record for voter on id.
func (b *Backend) UserVote(id uint64, voter common.Address) (code uint8, voted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.votes[id][voter]
	return v.code, v.voted
}

// Status reports a proposal's on-chain status code.
func (b *Backend) Status(id uint64) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.lookup(new(big.Int).SetUint64(id))
	if err != nil {
		return 0
	}
	return p.status
}

// Seed creates a proposal directly and returns its id. Status is forced.
func (b *Backend) Seed(proposer common.Address, title string, start, end int64, status uint8) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.create(proposer, title, "seeded", big.NewInt(start), big.NewInt(end))
	b.proposals[id-1].status = status
	return id
}

func (b *Backend) decode(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("execution reverted: no selector")
	}
	method, err := b.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

func (b *Backend) lookup(id *big.Int) (*proposal, error) {
	if id.Sign() <= 0 || id.Uint64() > uint64(len(b.proposals)) {
		return nil, errors.New("execution reverted: Proposal does not exist")
	}
	return b.proposals[id.Uint64()-1], nil
}

func (b *Backend) create(proposer common.Address, title, desc string, start, end *big.Int) uint64 {
	id := uint64(len(b.proposals) + 1)
	b.proposals = append(b.proposals, &proposal{
		id: new(big.Int).SetUint64(id), title: title, description: desc,
		proposer: proposer, start: start, end: end,
	})
	return id
}

// execute validates, and unless dryRun applies, a write call.
func (b *Backend) execute(from common.Address, data []byte, dryRun bool) error {
	method, args, err := b.decode(data)
	if err != nil {
		return err
	}
	switch method.Name {
	case ledger.MethodCreateProposal:
		title := args[0].(string)
		start, end := args[2].(*big.Int), args[3].(*big.Int)
		if title == "" {
			return errors.New("execution reverted: Title cannot be empty")
		}
		if end.Cmp(start) <= 0 {
			return errors.New("execution reverted: End time must be after start time")
		}
		if dryRun {
			return nil
		}
		b.create(from, title, args[1].(string), start, end)
		for i := uint64(0); i < b.ExtraCreates; i++ {
			b.create(common.HexToAddress("0x00000000000000000000000000000000000000ff"), "other", "other", start, end)
		}
		return nil
	case ledger.MethodVote, ledger.MethodChangeVote:
		p, err := b.lookup(args[0].(*big.Int))
		if err != nil {
			return err
		}
		code := args[1].(uint8)
		id := p.id.Uint64()
		prev := b.votes[id][from]
		if method.Name == ledger.MethodVote && prev.voted {
			return errors.New("execution reverted: Already voted")
		}
		if method.Name == ledger.MethodChangeVote && !prev.voted {
			return errors.New("execution reverted: Has not voted yet")
		}
		if code > 2 {
			return errors.New("execution reverted: Invalid vote type")
		}
		if dryRun {
			return nil
		}
		if prev.voted {
			p.tally[prev.code]--
		}
		p.tally[code]++
		if b.votes[id] == nil {
			b.votes[id] = make(map[common.Address]userVote)
		}
		b.votes[id][from] = userVote{code: code, voted: true}
		return nil
	case ledger.MethodUpdateProposalStatus:
		if from != b.owner {
			return errors.New("execution reverted: Only owner can call this function")
		}
		p, err := b.lookup(args[0].(*big.Int))
		if err != nil {
			return err
		}
		if !dryRun {
			p.status = args[1].(uint8)
		}
		return nil
	default:
		return fmt.Errorf("execution reverted: unknown method %s", method.Name)
	}
}

func (b *Backend) logsFor(tx *types.Transaction) []*types.Log {
	if b.OmitLogs {
		return nil
	}
	method, args, err := b.decode(tx.Data())
	if err != nil || method.Name != ledger.MethodCreateProposal {
		return nil
	}
	ev := b.abi.Events[ledger.EventProposalCreated]
	// The proposal just created is the first one appended by this tx.
	id := uint64(len(b.proposals)) - b.ExtraCreates
	p := b.proposals[id-1]
	data, err := ev.Inputs.NonIndexed().Pack(args[0].(string), args[2].(*big.Int), args[3].(*big.Int))
	if err != nil {
		return nil
	}
	if b.MangleLogs {
		data = []byte{0x01}
	}
	return []*types.Log{{
		Address: ContractAddress,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(p.id),
			common.BytesToHash(p.proposer.Bytes()),
		},
		Data:        data,
		BlockNumber: b.block,
		TxHash:      tx.Hash(),
	}}
}

// FastOptions keeps receipt waits and read retries short for tests.
func FastOptions() ledger.Options {
	return ledger.Options{
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Retry: retry.Config{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// NewClient wires a ledger client to b with FastOptions.
func NewClient(b *Backend) *ledger.Client {
	c, err := ledger.New(b, ContractAddress, FastOptions())
	if err != nil {
		panic(err)
	}
	return c
}
