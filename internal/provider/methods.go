package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xjba/session-keys/internal/encoding"
)

// CallMsg is the pending-call shape used for gas estimation.
type CallMsg struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

// SendTxArgs is an ordinary wallet-signed value transfer.
type SendTxArgs struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
}

// FeeHistory is the parsed eth_feeHistory result window.
type FeeHistory struct {
	BaseFeePerGas []*big.Int
	Reward        [][]*big.Int
}

// Receipt is the subset of a transaction receipt the funding poll needs.
type Receipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

// ChainID queries the provider's attached chain identifier.
func ChainID(ctx context.Context, p Provider) (*big.Int, error) {
	raw, err := p.Request(ctx, "eth_chainId")
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	s, err := resultString(raw)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return encoding.HexToBig(s)
}

// TransactionCount returns the pending transaction count (nonce) for addr.
func TransactionCount(ctx context.Context, p Provider, addr string) (uint64, error) {
	raw, err := p.Request(ctx, "eth_getTransactionCount", addr, "pending")
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount: %w", err)
	}
	s, err := resultString(raw)
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount: %w", err)
	}
	n, err := encoding.HexToBig(s)
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount: %w", err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("eth_getTransactionCount: nonce out of range: %s", n)
	}
	return n.Uint64(), nil
}

// GetFeeHistory queries the recent-block fee window at the given reward
// percentiles.
func GetFeeHistory(ctx context.Context, p Provider, blocks int64, percentiles []float64) (*FeeHistory, error) {
	raw, err := p.Request(ctx, "eth_feeHistory", hexutil.EncodeBig(big.NewInt(blocks)), "latest", percentiles)
	if err != nil {
		return nil, fmt.Errorf("eth_feeHistory: %w", err)
	}
	var res struct {
		BaseFeePerGas []string   `json:"baseFeePerGas"`
		Reward        [][]string `json:"reward"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("eth_feeHistory: decode result: %w", err)
	}
	out := &FeeHistory{}
	for _, s := range res.BaseFeePerGas {
		n, err := encoding.HexToBig(s)
		if err != nil {
			return nil, fmt.Errorf("eth_feeHistory: baseFeePerGas: %w", err)
		}
		out.BaseFeePerGas = append(out.BaseFeePerGas, n)
	}
	for _, row := range res.Reward {
		var parsed []*big.Int
		for _, s := range row {
			n, err := encoding.HexToBig(s)
			if err != nil {
				return nil, fmt.Errorf("eth_feeHistory: reward: %w", err)
			}
			parsed = append(parsed, n)
		}
		out.Reward = append(out.Reward, parsed)
	}
	return out, nil
}

// EstimateGas asks the provider for a gas estimate of the pending call.
func EstimateGas(ctx context.Context, p Provider, call CallMsg) (uint64, error) {
	raw, err := p.Request(ctx, "eth_estimateGas", call)
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	s, err := resultString(raw)
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	n, err := encoding.HexToBig(s)
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("eth_estimateGas: estimate out of range: %s", n)
	}
	return n.Uint64(), nil
}

// BalanceAt returns addr's latest balance in wei.
func BalanceAt(ctx context.Context, p Provider, addr string) (*big.Int, error) {
	raw, err := p.Request(ctx, "eth_getBalance", addr, "latest")
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	s, err := resultString(raw)
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	return encoding.HexToBig(s)
}

// TransactionReceipt returns the receipt for hash, or nil while the
// transaction is still pending.
func TransactionReceipt(ctx context.Context, p Provider, hash string) (*Receipt, error) {
	raw, err := p.Request(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if isJSONNull(raw) {
		return nil, nil
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: decode result: %w", err)
	}
	return &r, nil
}

// SendTransaction submits a wallet-signed value transfer and returns its
// transaction hash.
func SendTransaction(ctx context.Context, p Provider, tx SendTxArgs) (string, error) {
	raw, err := p.Request(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return "", fmt.Errorf("eth_sendTransaction: %w", err)
	}
	s, err := resultString(raw)
	if err != nil {
		return "", fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return s, nil
}

// StorageAt issues the storage-read RPC that doubles as this protocol's
// actuation channel: the well-known address selects the lifecycle action and
// the slot parameter carries the payload. The raw result string is returned
// unmodified so execute calls can pass the transaction hash through.
func StorageAt(ctx context.Context, p Provider, addr common.Address, slot string) (string, error) {
	raw, err := p.Request(ctx, "eth_getStorageAt", addr.Hex(), slot, "latest")
	if err != nil {
		return "", fmt.Errorf("eth_getStorageAt: %w", err)
	}
	s, err := resultString(raw)
	if err != nil {
		return "", fmt.Errorf("eth_getStorageAt: %w", err)
	}
	return s, nil
}

func resultString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string result, got %s", truncate(raw))
	}
	return s, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func truncate(raw json.RawMessage) string {
	const max = 64
	if len(raw) > max {
		return string(raw[:max]) + "…"
	}
	return string(raw)
}
