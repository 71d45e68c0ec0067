// Package txbuilder assembles EIP-1559-style transactions for session-key
// execution: nonce/fee/gas resolution, canonical RLP encoding with empty
// signature placeholders, and submission through the provider's
// session-execution actuation channel. No private key material is ever
// touched here; signing happens inside the external execution endpoint.
package txbuilder

import (
	"context"
	"encoding/base64"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xjba/session-keys/internal/config"
	"github.com/0xjba/session-keys/internal/encoding"
	"github.com/0xjba/session-keys/internal/errs"
	"github.com/0xjba/session-keys/internal/provider"
	"github.com/0xjba/session-keys/internal/state"
)

// TxParams are the caller-supplied transaction fields. Optional fields left
// nil are resolved against the provider; caller-supplied values always win.
type TxParams struct {
	To    string
	Data  string
	Value string

	Nonce                *uint64
	GasLimit             *uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	// Priority picks the fee tier for dynamic fee computation. Ignored when
	// both fee fields are supplied.
	Priority Priority
}

// Builder submits session-key transactions against one state store.
type Builder struct {
	store *state.Store
	chain config.ChainConfig
	fees  config.FeeConfig
	log   *zap.Logger
}

func NewBuilder(store *state.Store, chain config.ChainConfig, fees config.FeeConfig, log *zap.Logger) *Builder {
	return &Builder{store: store, chain: chain, fees: fees, log: log}
}

// SendTransaction assembles, encodes and submits the transaction, returning
// the execution endpoint's transaction hash unmodified.
func (b *Builder) SendTransaction(ctx context.Context, p provider.Provider, params TxParams) (string, error) {
	b.store.Update(state.Update{IsLoading: state.Flag(true), ClearErr: true})

	hash, err := b.send(ctx, p, params)
	if err != nil {
		de := errs.Normalize(err)
		b.store.Update(state.Update{Err: de, IsLoading: state.Flag(false)})
		return "", de
	}

	b.store.Update(state.Update{IsLoading: state.Flag(false)})
	return hash, nil
}

func (b *Builder) send(ctx context.Context, p provider.Provider, params TxParams) (string, error) {
	// 1. Chain identity precondition.
	id, err := provider.ChainID(ctx, p)
	if err != nil {
		return "", err
	}
	if id.Int64() != b.chain.ChainID {
		return "", errs.New(errs.WrongNetwork, "provider is on chain %s, expected %d", id, b.chain.ChainID)
	}

	// 2. An active session key is required.
	snap := b.store.Snapshot()
	if snap.SessionKey == "" || !snap.IsActive {
		return "", errs.New(errs.NoSessionKey, "no active session key")
	}
	sessionAddr := snap.SessionKey

	// 3. Nonce: caller wins, else the session address's pending count.
	var nonce uint64
	if params.Nonce != nil {
		nonce = *params.Nonce
	} else {
		nonce, err = provider.TransactionCount(ctx, p, sessionAddr)
		if err != nil {
			return "", err
		}
	}

	// 4. Fees: caller pair wins verbatim, else dynamic with fallback.
	var maxFee, priorityFee *big.Int
	if params.MaxFeePerGas != nil && params.MaxPriorityFeePerGas != nil {
		maxFee, priorityFee = params.MaxFeePerGas, params.MaxPriorityFeePerGas
	} else {
		maxFee, priorityFee = b.resolveFees(ctx, p, params.Priority)
	}

	// 5. Gas limit: caller wins, else estimate the pending call shape.
	var gasLimit uint64
	if params.GasLimit != nil {
		gasLimit = *params.GasLimit
	} else {
		gasLimit, err = provider.EstimateGas(ctx, p, provider.CallMsg{
			From:  sessionAddr,
			To:    strings.ToLower(params.To),
			Value: strings.ToLower(params.Value),
			Data:  strings.ToLower(params.Data),
		})
		if err != nil {
			return "", err
		}
	}

	// 6–8. Field sequence, RLP, type byte.
	to, err := encoding.HexToBytes(params.To)
	if err != nil {
		return "", errs.Wrap(errs.EncodingFailure, err, "to address")
	}
	value, err := encoding.HexToBig(params.Value)
	if err != nil {
		return "", errs.Wrap(errs.EncodingFailure, err, "value")
	}
	data, err := encoding.HexToBytes(params.Data)
	if err != nil {
		return "", errs.Wrap(errs.EncodingFailure, err, "data")
	}

	encoded, err := encodeTyped(resolvedTx{
		ChainID:     big.NewInt(b.chain.ChainID),
		Nonce:       nonce,
		PriorityFee: priorityFee,
		MaxFee:      maxFee,
		GasLimit:    gasLimit,
		To:          to,
		Value:       value,
		Data:        data,
	})
	if err != nil {
		return "", err
	}

	// 9. Base64 payload through the execution actuation address.
	payload := base64.StdEncoding.EncodeToString(encoded)
	hash, err := provider.StorageAt(ctx, p, common.HexToAddress(b.chain.ExecuteAddress), payload)
	if err != nil {
		return "", err
	}

	b.log.Info("session transaction submitted",
		zap.String("to", strings.ToLower(params.To)),
		zap.Uint64("nonce", nonce),
		zap.String("tx", hash),
	)
	return hash, nil
}
