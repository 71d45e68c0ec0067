package encoding

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HexToBytes decodes a 0x-prefixed hex string after lower-casing it, so the
// resulting bytes are identical regardless of caller casing. An empty string
// or bare "0x" decodes to nil.
func HexToBytes(s string) ([]byte, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}

// HexToBig decodes a 0x-prefixed hex quantity into a big integer. "0x" and
// "" decode to zero.
func HexToBig(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0x" {
		return new(big.Int), nil
	}
	n, err := hexutil.DecodeBig(s)
	if err != nil {
		// Quantities with leading zeros show up in the wild; retry as raw hex.
		b, err2 := hexutil.Decode(s)
		if err2 != nil {
			return nil, fmt.Errorf("decode quantity %q: %w", s, err)
		}
		return new(big.Int).SetBytes(b), nil
	}
	return n, nil
}

// BigToHex encodes a big integer as a canonical 0x-prefixed quantity.
func BigToHex(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(n)
}
