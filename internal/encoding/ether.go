// Package encoding holds the numeric and hex conversion helpers shared by
// the state store consumers and the transaction builder: fixed-point ether
// parsing/formatting and hex/bigint plumbing.
package encoding

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

const etherDecimals = 18

var weiPerEther = new(big.Int).SetUint64(params.Ether)

// estimated cost of a single session-key transaction, used for the advisory
// remaining-transactions figure: 21000 gas at 20 gwei.
var weiPerEstimatedTx = new(big.Int).Mul(
	big.NewInt(21000),
	new(big.Int).SetUint64(20*params.GWei),
)

// ParseEther converts a decimal ether amount ("0.05") to wei. At most 18
// fractional digits are allowed; negative amounts are rejected.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("parse ether: empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("parse ether: negative amount %q", s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > etherDecimals {
		return nil, fmt.Errorf("parse ether: %q has more than %d fractional digits", s, etherDecimals)
	}

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("parse ether: invalid amount %q", s)
	}
	wei := new(big.Int).Mul(wholeInt, weiPerEther)

	if frac != "" {
		fracInt, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("parse ether: invalid amount %q", s)
		}
		// Scale the fraction up to 18 digits.
		for i := len(frac); i < etherDecimals; i++ {
			fracInt.Mul(fracInt, big.NewInt(10))
		}
		wei.Add(wei, fracInt)
	}
	return wei, nil
}

// FormatEther converts wei to a decimal ether string with trailing zeros
// trimmed. FormatEther(0) == "0".
func FormatEther(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(wei)
	if wei.Sign() < 0 {
		sign = "-"
	}

	quo, rem := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))
	if rem.Sign() == 0 {
		return sign + quo.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	return sign + quo.String() + "." + frac
}

// EstimateTransactions returns how many typical transactions the given wei
// balance can still cover. Monotonically non-decreasing in the balance;
// zero balance yields zero.
func EstimateTransactions(wei *big.Int) uint64 {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}
	n := new(big.Int).Quo(wei, weiPerEstimatedTx)
	if !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}
