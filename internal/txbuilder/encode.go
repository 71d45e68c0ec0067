package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/0xjba/session-keys/internal/errs"
)

// feeMarketTxType is the type discriminator byte prepended to the RLP
// payload (EIP-1559 fee-market transaction).
const feeMarketTxType = 0x02

// resolvedTx is the fully-specified transaction after nonce, fee and gas
// resolution. To is exactly 20 bytes; numeric fields are never nil.
type resolvedTx struct {
	ChainID     *big.Int
	Nonce       uint64
	PriorityFee *big.Int
	MaxFee      *big.Int
	GasLimit    uint64
	To          []byte
	Value       *big.Int
	Data        []byte
}

// encodeTyped serializes the 12-field sequence as canonical RLP and prepends
// the type byte. Integers use minimal big-endian form (zero encodes as the
// empty string), the access list is empty, and the three signature slots are
// zero-length placeholders filled in by the session-execution endpoint.
func encodeTyped(tx resolvedTx) ([]byte, error) {
	if len(tx.To) != common.AddressLength {
		return nil, errs.New(errs.EncodingFailure, "to address is %d bytes, want %d", len(tx.To), common.AddressLength)
	}

	fields := []any{
		tx.ChainID,
		tx.Nonce,
		tx.PriorityFee,
		tx.MaxFee,
		tx.GasLimit,
		tx.To,
		tx.Value,
		tx.Data,
		[]any{},  // access list
		[]byte{}, // v
		[]byte{}, // r
		[]byte{}, // s
	}

	payload, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return nil, errs.Wrap(errs.EncodingFailure, err, "rlp encode transaction")
	}
	if len(payload) == 0 {
		return nil, errs.New(errs.EncodingFailure, "rlp output is empty")
	}
	if payload[0] < 0xc0 {
		return nil, errs.New(errs.EncodingFailure, "rlp output is not a list (first byte %#x)", payload[0])
	}

	return append([]byte{feeMarketTxType}, payload...), nil
}
