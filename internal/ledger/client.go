// Package ledger is a thin client for the governance contract: read calls,
// signed write transactions and bounded receipt waits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"governance-sync/internal/config"
	"governance-sync/internal/models"
	"governance-sync/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Backend is the subset of the Ethereum RPC the client uses. *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options tune a Client.
type Options struct {
	ChainID        *big.Int // nil: ask the backend once
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Retry          retry.Config
	Logger         *zap.Logger
}

// Client talks to one deployed governance contract.
type Client struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
	opts     Options
	log      *zap.Logger

	chainMu sync.Mutex
	chainID *big.Int

	// nonces are assigned locally per sender so concurrent submissions from
	// one account do not collide before the node sees the first.
	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
}

// New builds a Client over backend.
func New(backend Backend, contract common.Address, opts Options) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger backend required")
	}
	if (contract == common.Address{}) {
		return nil, fmt.Errorf("contract address required")
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		backend:  backend,
		contract: contract,
		abi:      ContractABI(),
		opts:     opts,
		log:      opts.Logger,
		chainID:  opts.ChainID,
		nonces:   make(map[common.Address]uint64),
	}, nil
}

// Dial connects to cfg.RPCURL and returns a client for cfg.ContractAddress.
func Dial(cfg config.Ledger, log *zap.Logger) (*Client, *ethclient.Client, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, nil, fmt.Errorf("ledger endpoint required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	eth, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger: %w", err)
	}
	opts := Options{
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.PollInterval,
		Logger:         log,
	}
	if cfg.ChainID > 0 {
		opts.ChainID = big.NewInt(cfg.ChainID)
	}
	c, err := New(eth, common.HexToAddress(cfg.ContractAddress), opts)
	if err != nil {
		eth.Close()
		return nil, nil, err
	}
	return c, eth, nil
}

// Contract returns the contract address.
func (c *Client) Contract() common.Address { return c.contract }

// ABI returns the contract ABI.
func (c *Client) ABI() abi.ABI { return c.abi }

// ConfirmTimeout is the bound applied to WaitReceipt.
func (c *Client) ConfirmTimeout() time.Duration { return c.opts.ConfirmTimeout }

// ChainID returns the configured chain id, asking the backend on first use.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, classify("chain_id", err)
	}
	c.chainID = id
	return id, nil
}

// EnsureDeployed fails with ReasonNotDeployed when no code lives at the
// contract address.
func (c *Client) EnsureDeployed(ctx context.Context) error {
	code, err := c.backend.CodeAt(ctx, c.contract, nil)
	if err != nil {
		return classify("code_at", err)
	}
	if len(code) == 0 {
		return &SubmissionError{Op: "code_at", Reason: ReasonNotDeployed,
			Err: fmt.Errorf("no contract code at %s", c.contract.Hex())}
	}
	return nil
}

// Call is one logical write against the contract.
type Call struct {
	Kind   models.TxKind
	Method string
	Args   []interface{}
}

// CreateProposalCall builds a createProposal call.
func CreateProposalCall(title, description string, start, end time.Time) Call {
	return Call{
		Kind:   models.TxCreateProposal,
		Method: MethodCreateProposal,
		Args:   []interface{}{title, description, big.NewInt(start.Unix()), big.NewInt(end.Unix())},
	}
}

// VoteCall builds a first-vote call.
func VoteCall(proposalID uint64, v models.VoteType) (Call, error) {
	code, err := v.Code()
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: models.TxVote, Method: MethodVote,
		Args: []interface{}{new(big.Int).SetUint64(proposalID), code}}, nil
}

// ChangeVoteCall builds a change-vote call.
func ChangeVoteCall(proposalID uint64, v models.VoteType) (Call, error) {
	code, err := v.Code()
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: models.TxChangeVote, Method: MethodChangeVote,
		Args: []interface{}{new(big.Int).SetUint64(proposalID), code}}, nil
}

// UpdateStatusCall builds an owner-only status update call.
func UpdateStatusCall(proposalID uint64, s models.ProposalStatus) (Call, error) {
	code, err := s.Code()
	if err != nil {
		return Call{}, err
	}
	return Call{Kind: models.TxStatusUpdate, Method: MethodUpdateProposalStatus,
		Args: []interface{}{new(big.Int).SetUint64(proposalID), code}}, nil
}

// Prepare packs, prices and signs call. The returned transaction has its
// final hash but has not been broadcast.
func (c *Client) Prepare(ctx context.Context, signer Signer, call Call) (*types.Transaction, error) {
	if signer == nil {
		return nil, &SubmissionError{Op: call.Method, Reason: ReasonDeclined, Err: errors.New("no signer bound")}
	}
	data, err := c.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	from := signer.Address()

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(call.Method, err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &c.contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, classify(call.Method, err)
	}
	gas += gas / 5

	nonce, err := c.nextNonce(ctx, from)
	if err != nil {
		return nil, err
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.contract,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := signer.SignTx(ctx, tx, chainID)
	if err != nil {
		c.releaseNonce(from, nonce)
		return nil, classify(call.Method, err)
	}
	return signed, nil
}

func (c *Client) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	pending, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, classify("nonce", err)
	}
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if local, ok := c.nonces[from]; ok && local > pending {
		pending = local
	}
	c.nonces[from] = pending + 1
	return pending, nil
}

// releaseNonce hands back a nonce that was never broadcast.
func (c *Client) releaseNonce(from common.Address, nonce uint64) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nonces[from] == nonce+1 {
		c.nonces[from] = nonce
	}
}

// Broadcast submits a signed transaction.
func (c *Client) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		if from, serr := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); serr == nil {
			c.releaseNonce(from, tx.Nonce())
		}
		return classify("send", err)
	}
	c.log.Debug("transaction broadcast", zap.String("hash", tx.Hash().Hex()), zap.Uint64("nonce", tx.Nonce()))
	return nil
}

// WaitReceipt polls for tx's receipt until it is mined or ConfirmTimeout
// elapses. A timed-out transaction is abandoned, not cancelled: it may still
// be mined later. A mined but reverted transaction returns both the receipt
// and a ReasonReverted error.
func (c *Client) WaitReceipt(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		raw, err := c.backend.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil && raw != nil:
			rcpt := newReceipt(raw, tx)
			if !rcpt.Succeeded {
				return rcpt, &SubmissionError{Op: "receipt", Reason: ReasonReverted,
					Err: fmt.Errorf("transaction %s reverted", tx.Hash().Hex())}
			}
			return rcpt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			c.log.Debug("receipt poll failed", zap.String("hash", tx.Hash().Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, &SubmissionError{Op: "receipt", Reason: ReasonTimeout,
				Err: fmt.Errorf("awaiting %s: %w", tx.Hash().Hex(), lastErr)}
		case <-ticker.C:
		}
	}
}

// Submit runs Prepare, Broadcast and WaitReceipt in sequence. hook, when
// non-nil, observes each step so callers can persist audit state.
func (c *Client) Submit(ctx context.Context, signer Signer, call Call, hook SubmitHook) (*Receipt, error) {
	tx, err := c.Prepare(ctx, signer, call)
	if err != nil {
		return nil, err
	}
	if hook.Prepared != nil {
		if err := hook.Prepared(tx); err != nil {
			c.releaseNonce(signer.Address(), tx.Nonce())
			return nil, err
		}
	}
	if err := c.Broadcast(ctx, tx); err != nil {
		return nil, err
	}
	if hook.Broadcast != nil {
		hook.Broadcast(tx)
	}
	return c.WaitReceipt(ctx, tx)
}

// SubmitHook observes Submit progress.
type SubmitHook struct {
	Prepared  func(tx *types.Transaction) error
	Broadcast func(tx *types.Transaction)
}

// OnChainProposal is the contract's view of a proposal.
type OnChainProposal struct {
	ID          uint64
	Title       string
	Description string
	Proposer    common.Address
	Start       time.Time
	End         time.Time
	Tally       models.Tally
	Status      models.ProposalStatus
}

// UserVote is the contract's record of one voter on one proposal.
type UserVote struct {
	Voted    bool
	VoteType models.VoteType
}

// GetProposal reads a proposal from the contract.
func (c *Client) GetProposal(ctx context.Context, id uint64) (*OnChainProposal, error) {
	out, err := c.read(ctx, MethodGetProposal, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 10 {
		return nil, fmt.Errorf("getProposal: unexpected %d outputs", len(out))
	}
	status, err := models.StatusFromCode(out[9].(uint8))
	if err != nil {
		return nil, err
	}
	return &OnChainProposal{
		ID:          out[0].(*big.Int).Uint64(),
		Title:       out[1].(string),
		Description: out[2].(string),
		Proposer:    out[3].(common.Address),
		Start:       time.Unix(out[4].(*big.Int).Int64(), 0).UTC(),
		End:         time.Unix(out[5].(*big.Int).Int64(), 0).UTC(),
		Tally: models.Tally{
			Upvotes:   out[6].(*big.Int).Int64(),
			Downvotes: out[7].(*big.Int).Int64(),
			Abstains:  out[8].(*big.Int).Int64(),
		},
		Status: status,
	}, nil
}

// GetUserVote reads voter's recorded vote on proposal id.
func (c *Client) GetUserVote(ctx context.Context, id uint64, voter common.Address) (UserVote, error) {
	out, err := c.read(ctx, MethodGetUserVote, new(big.Int).SetUint64(id), voter)
	if err != nil {
		return UserVote{}, err
	}
	if len(out) != 2 {
		return UserVote{}, fmt.Errorf("getUserVote: unexpected %d outputs", len(out))
	}
	uv := UserVote{Voted: out[1].(bool)}
	if uv.Voted {
		if uv.VoteType, err = models.VoteTypeFromCode(out[0].(uint8)); err != nil {
			return UserVote{}, err
		}
	}
	return uv, nil
}

// GetProposalCount returns the number of proposals created on the contract.
// Ids are assigned 1..count.
func (c *Client) GetProposalCount(ctx context.Context) (uint64, error) {
	out, err := c.read(ctx, MethodGetProposalCount)
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// Owner returns the contract's owner, the only account allowed to update
// proposal status.
func (c *Client) Owner(ctx context.Context) (common.Address, error) {
	out, err := c.read(ctx, MethodOwner)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// read performs a view call, retrying only when the endpoint is unreachable.
func (c *Client) read(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var raw []byte
	err = retry.WithBackoff(ctx, c.opts.Retry, c.log, "ledger."+method, func() error {
		out, callErr := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		if callErr != nil {
			cerr := classify(method, callErr)
			if IsRetryable(cerr) {
				return cerr
			}
			return retry.Permanent(cerr)
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, classify(method, err)
	}
	if len(raw) == 0 {
		return nil, &SubmissionError{Op: method, Reason: ReasonNotDeployed, Err: errors.New("empty call result")}
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}
