// Package sessionkey drives the session-key lifecycle: create, fund,
// activate, deactivate, delete. Each operation asserts the provider sits on
// the supported chain, issues its actuation call through the storage-read
// channel at a well-known address, and records the outcome in the state
// store.
package sessionkey

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xjba/session-keys/internal/config"
	"github.com/0xjba/session-keys/internal/encoding"
	"github.com/0xjba/session-keys/internal/errs"
	"github.com/0xjba/session-keys/internal/provider"
	"github.com/0xjba/session-keys/internal/state"
)

// emptySlot is the payload for actuation calls that carry no data.
const emptySlot = "0x0"

// Manager owns the lifecycle operations over one state store.
type Manager struct {
	store *state.Store
	chain config.ChainConfig
	fund  config.FundingConfig
	log   *zap.Logger

	mu     sync.Mutex
	detach []func()
}

func NewManager(store *state.Store, chain config.ChainConfig, fund config.FundingConfig, log *zap.Logger) *Manager {
	return &Manager{store: store, chain: chain, fund: fund, log: log}
}

// Create requests a session key at the creation address. An empty-sentinel
// response falls back to the retrieval address, so calling Create when a key
// already exists returns the same address. The extracted address is the low
// 20 bytes of the 32-byte response.
func (m *Manager) Create(ctx context.Context, p provider.Provider) (string, error) {
	m.begin()
	if err := m.requireChain(ctx, p); err != nil {
		return "", m.fail(err)
	}

	res, err := provider.StorageAt(ctx, p, common.HexToAddress(m.chain.CreateAddress), emptySlot)
	if err != nil {
		return "", m.fail(err)
	}
	if isEmptySentinel(res) {
		res, err = provider.StorageAt(ctx, p, common.HexToAddress(m.chain.RetrieveAddress), emptySlot)
		if err != nil {
			return "", m.fail(err)
		}
		if isEmptySentinel(res) {
			return "", m.fail(errs.New(errs.CreationFailed, "creation and retrieval both returned the empty sentinel"))
		}
	}

	addr, err := extractAddress(res)
	if err != nil {
		return "", m.fail(err)
	}

	m.watchProvider(p)
	m.store.Update(state.Update{
		SessionKey: state.Str(addr),
		IsLoading:  state.Flag(false),
	})
	m.log.Info("session key created", zap.String("address", addr))
	return addr, nil
}

// Fund moves amountETH from the user's own wallet-signed account to the
// session key, then polls for the transfer receipt at a fixed interval until
// it lands or the configured deadline passes. On confirmation the advisory
// balance snapshot is refreshed.
func (m *Manager) Fund(ctx context.Context, p provider.Provider, sessionAddr, amountETH, userAddr string) error {
	m.begin()
	if err := m.requireChain(ctx, p); err != nil {
		return m.fail(err)
	}

	wei, err := encoding.ParseEther(amountETH)
	if err != nil {
		return m.fail(errs.Wrap(errs.EncodingFailure, err, "invalid funding amount"))
	}

	hash, err := provider.SendTransaction(ctx, p, provider.SendTxArgs{
		From:  strings.ToLower(userAddr),
		To:    strings.ToLower(sessionAddr),
		Value: encoding.BigToHex(wei),
	})
	if err != nil {
		return m.fail(err)
	}

	if err := m.awaitReceipt(ctx, p, hash); err != nil {
		return m.fail(err)
	}

	m.refreshBalance(ctx, p, sessionAddr)
	m.store.Update(state.Update{IsLoading: state.Flag(false)})
	m.log.Info("session key funded",
		zap.String("address", sessionAddr),
		zap.String("amount_eth", amountETH),
		zap.String("tx", hash),
	)
	return nil
}

// Activate turns on chain-side fee-less execution for the stored key.
func (m *Manager) Activate(ctx context.Context, p provider.Provider) error {
	m.begin()
	if err := m.requireChain(ctx, p); err != nil {
		return m.fail(err)
	}
	// Activation without a key would break the IsActive ⇒ SessionKey
	// invariant, so it is refused before any actuation call.
	if m.store.SessionKey() == "" {
		return m.fail(errs.New(errs.NoSessionKey, "no session key to activate"))
	}

	if _, err := provider.StorageAt(ctx, p, common.HexToAddress(m.chain.ActivateAddress), emptySlot); err != nil {
		return m.fail(err)
	}

	m.watchProvider(p)
	m.store.Update(state.Update{IsActive: state.Flag(true), IsLoading: state.Flag(false)})
	m.log.Info("session key activated")
	return nil
}

// Deactivate turns fee-less execution back off; the key itself survives.
func (m *Manager) Deactivate(ctx context.Context, p provider.Provider) error {
	m.begin()
	if err := m.requireChain(ctx, p); err != nil {
		return m.fail(err)
	}

	if _, err := provider.StorageAt(ctx, p, common.HexToAddress(m.chain.DeactivateAddress), emptySlot); err != nil {
		return m.fail(err)
	}

	m.store.Update(state.Update{IsActive: state.Flag(false), IsLoading: state.Flag(false)})
	m.log.Info("session key deactivated")
	return nil
}

// Delete removes the session key chain-side, clears the persisted subset,
// detaches provider listeners, and resets the record to its initial values.
func (m *Manager) Delete(ctx context.Context, p provider.Provider) error {
	m.begin()
	if err := m.requireChain(ctx, p); err != nil {
		return m.fail(err)
	}

	if _, err := provider.StorageAt(ctx, p, common.HexToAddress(m.chain.DeleteAddress), emptySlot); err != nil {
		return m.fail(err)
	}

	m.reset()
	m.log.Info("session key deleted")
	return nil
}

// Cleanup composes deactivate-then-delete with a single state reset at the
// end. When the deactivate call fails the delete call is never issued and
// the failure propagates.
func (m *Manager) Cleanup(ctx context.Context, p provider.Provider) error {
	m.begin()
	if err := m.requireChain(ctx, p); err != nil {
		return m.fail(err)
	}

	if _, err := provider.StorageAt(ctx, p, common.HexToAddress(m.chain.DeactivateAddress), emptySlot); err != nil {
		return m.fail(err)
	}
	if _, err := provider.StorageAt(ctx, p, common.HexToAddress(m.chain.DeleteAddress), emptySlot); err != nil {
		return m.fail(err)
	}

	m.reset()
	m.log.Info("session key cleaned up")
	return nil
}

// begin marks an operation in flight and clears the previous failure.
func (m *Manager) begin() {
	m.store.Update(state.Update{IsLoading: state.Flag(true), ClearErr: true})
}

// fail normalizes err, records it, clears the in-flight flag, and hands the
// domain error back to the caller.
func (m *Manager) fail(err error) error {
	de := errs.Normalize(err)
	m.store.Update(state.Update{Err: de, IsLoading: state.Flag(false)})
	return de
}

func (m *Manager) requireChain(ctx context.Context, p provider.Provider) error {
	id, err := provider.ChainID(ctx, p)
	if err != nil {
		return err
	}
	if id.Int64() != m.chain.ChainID {
		return errs.New(errs.WrongNetwork, "provider is on chain %s, expected %d", id, m.chain.ChainID)
	}
	return nil
}

// awaitReceipt polls for the funding receipt every PollInterval until the
// configured deadline. The deadline maps to ConfirmationTimeout; caller
// cancellation propagates as-is.
func (m *Manager) awaitReceipt(ctx context.Context, p provider.Provider, hash string) error {
	deadline := time.NewTimer(m.fund.Timeout())
	defer deadline.Stop()
	tick := time.NewTicker(m.fund.PollInterval())
	defer tick.Stop()

	for {
		receipt, err := provider.TransactionReceipt(ctx, p, hash)
		if err != nil {
			// Transient lookup failures keep polling until the deadline.
			m.log.Warn("funding receipt poll failed", zap.String("tx", hash), zap.Error(err))
		} else if receipt != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errs.New(errs.ConfirmationTimeout, "funding tx %s unconfirmed after %s", hash, m.fund.Timeout())
		case <-tick.C:
		}
	}
}

// refreshBalance rewrites the advisory balance snapshot. The field carries
// no correctness weight, so a failed read only logs.
func (m *Manager) refreshBalance(ctx context.Context, p provider.Provider, sessionAddr string) {
	wei, err := provider.BalanceAt(ctx, p, strings.ToLower(sessionAddr))
	if err != nil {
		m.log.Warn("balance refresh failed", zap.String("address", sessionAddr), zap.Error(err))
		return
	}
	m.store.Update(state.Update{Balance: &state.Balance{
		ETH:          encoding.FormatEther(wei),
		EstimatedTxs: encoding.EstimateTransactions(wei),
	}})
}

// reset clears persistence, detaches listeners, and returns the record to
// its initial values. Clear failures are logged only; the in-memory reset
// still happens.
func (m *Manager) reset() {
	if err := m.store.ClearPersisted(); err != nil {
		m.log.Warn("clear persisted state failed", zap.Error(err))
	}
	m.detachListeners()
	m.store.Update(state.Update{
		SessionKey:   state.Str(""),
		IsActive:     state.Flag(false),
		ClearBalance: true,
		IsLoading:    state.Flag(false),
	})
}

// watchProvider wires disconnect/chainChanged handlers that force the key
// inactive. Exactly one listener pair is live at a time; re-attaching
// detaches the previous pair first.
func (m *Manager) watchProvider(p provider.Provider) {
	emitter := provider.AsEmitter(p)
	if emitter == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, off := range m.detach {
		off()
	}
	m.detach = m.detach[:0]

	onDisconnect := func(json.RawMessage) {
		m.store.Update(state.Update{
			IsActive: state.Flag(false),
			Err:      errs.New(errs.ProviderError, "provider disconnected; session key deactivated"),
		})
	}
	onChainChanged := func(json.RawMessage) {
		m.store.Update(state.Update{
			IsActive: state.Flag(false),
			Err:      errs.New(errs.WrongNetwork, "provider switched chains; session key deactivated"),
		})
	}

	m.detach = append(m.detach,
		emitter.Subscribe(provider.EventDisconnect, onDisconnect),
		emitter.Subscribe(provider.EventChainChanged, onChainChanged),
	)
}

func (m *Manager) detachListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, off := range m.detach {
		off()
	}
	m.detach = m.detach[:0]
}

// isEmptySentinel reports whether the 32-byte actuation response is the
// canonical all-zero value.
func isEmptySentinel(res string) bool {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(res)), "0x")
	if s == "" {
		return true
	}
	return strings.Trim(s, "0") == ""
}

// extractAddress takes the low 20 bytes of a 32-byte hex response.
func extractAddress(res string) (string, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(res)), "0x")
	if len(s) < common.AddressLength*2 {
		return "", errs.New(errs.ProviderError, "malformed session address response %q", res)
	}
	return "0x" + s[len(s)-common.AddressLength*2:], nil
}
