package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Receipt is the observed result of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	From        common.Address
	Succeeded   bool
	GasUsed     uint64
	GasPrice    *big.Int
	BlockNumber uint64
	Logs        []*types.Log
}

func newReceipt(raw *types.Receipt, tx *types.Transaction) *Receipt {
	r := &Receipt{
		TxHash:    raw.TxHash,
		Succeeded: raw.Status == types.ReceiptStatusSuccessful,
		GasUsed:   raw.GasUsed,
		GasPrice:  raw.EffectiveGasPrice,
		Logs:      raw.Logs,
	}
	if (r.TxHash == common.Hash{}) && tx != nil {
		r.TxHash = tx.Hash()
	}
	if r.GasPrice == nil && tx != nil {
		r.GasPrice = tx.GasPrice()
	}
	if raw.BlockNumber != nil {
		r.BlockNumber = raw.BlockNumber.Uint64()
	}
	if tx != nil {
		if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
			r.From = from
		}
	}
	return r
}

// Fee is GasUsed × GasPrice in the ledger's smallest unit.
func (r *Receipt) Fee() *uint256.Int {
	return DerivedFee(r.GasUsed, r.GasPrice)
}

// DerivedFee multiplies gas used by gas price exactly. The result saturates
// at 2^256-1, which no real fee approaches.
func DerivedFee(gasUsed uint64, gasPrice *big.Int) *uint256.Int {
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return new(uint256.Int)
	}
	price, overflow := uint256.FromBig(gasPrice)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	fee, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(gasUsed), price)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return fee
}
