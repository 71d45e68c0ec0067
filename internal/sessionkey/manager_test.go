package sessionkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/0xjba/session-keys/internal/config"
	"github.com/0xjba/session-keys/internal/errs"
	"github.com/0xjba/session-keys/internal/state"
)

var testChain = config.ChainConfig{
	ChainID:           443,
	CreateAddress:     "0x0000000000000000000000000000000000000001",
	RetrieveAddress:   "0x0000000000000000000000000000000000000002",
	ActivateAddress:   "0x0000000000000000000000000000000000000003",
	DeactivateAddress: "0x0000000000000000000000000000000000000004",
	DeleteAddress:     "0x0000000000000000000000000000000000000005",
	ExecuteAddress:    "0x0000000000000000000000000000000000000006",
}

var testFunding = config.FundingConfig{PollIntervalSec: 1, TimeoutSec: 1}

const (
	zeroWord    = "0x0000000000000000000000000000000000000000000000000000000000000000"
	keyWord     = "0x000000000000000000000000a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0"
	keyAddr     = "0xa1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6a7b8c9d0"
	fundTxHash  = "0x9f00000000000000000000000000000000000000000000000000000000000000"
	userAddress = "0x1111111111111111111111111111111111111111"
)

// fakeProvider records every call and answers through a handler func.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []rpcCall
	handler func(method string, params []any) (any, error)
}

type rpcCall struct {
	method string
	params []any
}

func (f *fakeProvider) Request(_ context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rpcCall{method: method, params: params})
	f.mu.Unlock()

	res, err := f.handler(method, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *fakeProvider) callsTo(method string) []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rpcCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// storageAddr pulls the address parameter out of an eth_getStorageAt call.
func storageAddr(c rpcCall) string {
	return strings.ToLower(c.params[0].(string))
}

// chainOK answers eth_chainId with the supported chain.
func chainOK(method string) (any, bool) {
	if method == "eth_chainId" {
		return "0x1bb", true
	}
	return nil, false
}

func newTestManager(t *testing.T) (*Manager, *state.Store, *state.MemoryPersistence) {
	t.Helper()
	p := state.NewMemoryPersistence()
	st := state.NewStore(p, zap.NewNop())
	t.Cleanup(st.Close)
	return NewManager(st, testChain, testFunding, zap.NewNop()), st, p
}

// ── Chain precondition ──────────────────────────────────────────────────────

func TestOperations_WrongNetworkBeforeActuation(t *testing.T) {
	m, st, _ := newTestManager(t)
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if method == "eth_chainId" {
			return "0x1", nil // mainnet, not the target chain
		}
		t.Errorf("unexpected call %s after chain mismatch", method)
		return nil, nil
	}}

	ops := map[string]func() error{
		"Create":     func() error { _, err := m.Create(context.Background(), fp); return err },
		"Fund":       func() error { return m.Fund(context.Background(), fp, keyAddr, "0.1", userAddress) },
		"Activate":   func() error { return m.Activate(context.Background(), fp) },
		"Deactivate": func() error { return m.Deactivate(context.Background(), fp) },
		"Delete":     func() error { return m.Delete(context.Background(), fp) },
		"Cleanup":    func() error { return m.Cleanup(context.Background(), fp) },
	}
	for name, op := range ops {
		err := op()
		if kind, ok := errs.KindOf(err); !ok || kind != errs.WrongNetwork {
			t.Errorf("%s: expected WrongNetwork, got %v", name, err)
		}
	}
	if got := fp.callsTo("eth_getStorageAt"); len(got) != 0 {
		t.Fatalf("actuation calls issued despite chain mismatch: %v", got)
	}
	if st.IsLoading() {
		t.Error("IsLoading left set after failures")
	}
}

// ── Create ──────────────────────────────────────────────────────────────────

func TestCreate_FallsBackToRetrieval(t *testing.T) {
	m, st, _ := newTestManager(t)
	fp := &fakeProvider{handler: func(method string, params []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		switch strings.ToLower(params[0].(string)) {
		case testChain.CreateAddress:
			return zeroWord, nil
		case testChain.RetrieveAddress:
			return keyWord, nil
		}
		return nil, fmt.Errorf("unexpected address %v", params[0])
	}}

	addr, err := m.Create(context.Background(), fp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if addr != keyAddr {
		t.Errorf("address: got %s want %s", addr, keyAddr)
	}
	if st.SessionKey() != keyAddr {
		t.Errorf("state SessionKey: got %s", st.SessionKey())
	}
	if st.IsLoading() {
		t.Error("IsLoading left set")
	}

	calls := fp.callsTo("eth_getStorageAt")
	if len(calls) != 2 {
		t.Fatalf("expected create+retrieve calls, got %d", len(calls))
	}
	if storageAddr(calls[0]) != testChain.CreateAddress || storageAddr(calls[1]) != testChain.RetrieveAddress {
		t.Errorf("actuation order wrong: %s then %s", storageAddr(calls[0]), storageAddr(calls[1]))
	}
}

func TestCreate_DirectResponse(t *testing.T) {
	m, st, _ := newTestManager(t)
	// Upper-cased response must still yield a lower-cased address.
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return strings.ToUpper(keyWord[2:]), nil
	}}

	addr, err := m.Create(context.Background(), fp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if addr != keyAddr {
		t.Errorf("address: got %s want %s", addr, keyAddr)
	}
	if st.SessionKey() != keyAddr {
		t.Errorf("state: got %s", st.SessionKey())
	}
}

func TestCreate_BothEmptySentinel(t *testing.T) {
	m, st, _ := newTestManager(t)
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return zeroWord, nil
	}}

	_, err := m.Create(context.Background(), fp)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.CreationFailed {
		t.Fatalf("expected CreationFailed, got %v", err)
	}
	if kind, ok := errs.KindOf(st.Err()); !ok || kind != errs.CreationFailed {
		t.Errorf("state error: got %v", st.Err())
	}
	if st.SessionKey() != "" {
		t.Error("session key set despite failure")
	}
}

// ── Activate / Deactivate ───────────────────────────────────────────────────

func TestActivate_RequiresSessionKey(t *testing.T) {
	m, st, _ := newTestManager(t)
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		t.Error("actuation call issued without a session key")
		return zeroWord, nil
	}}

	err := m.Activate(context.Background(), fp)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.NoSessionKey {
		t.Fatalf("expected NoSessionKey, got %v", err)
	}
	// The IsActive ⇒ SessionKey invariant must hold on every path.
	if snap := st.Snapshot(); snap.IsActive && snap.SessionKey == "" {
		t.Fatal("IsActive set with empty SessionKey")
	}
}

func TestActivate_Deactivate(t *testing.T) {
	m, st, _ := newTestManager(t)
	st.Update(state.Update{SessionKey: state.Str(keyAddr)})
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return zeroWord, nil
	}}

	if err := m.Activate(context.Background(), fp); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !st.IsActive() {
		t.Fatal("IsActive not set")
	}

	if err := m.Deactivate(context.Background(), fp); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if st.IsActive() {
		t.Fatal("IsActive not cleared")
	}
	if st.SessionKey() != keyAddr {
		t.Error("Deactivate must keep the key")
	}
}

// ── Fund ────────────────────────────────────────────────────────────────────

func TestFund_ConfirmsAndRefreshesBalance(t *testing.T) {
	m, st, _ := newTestManager(t)

	polls := 0
	fp := &fakeProvider{handler: func(method string, params []any) (any, error) {
		switch method {
		case "eth_chainId":
			return "0x1bb", nil
		case "eth_sendTransaction":
			return fundTxHash, nil
		case "eth_getTransactionReceipt":
			polls++
			if polls < 2 {
				return nil, nil // still pending
			}
			return map[string]string{"status": "0x1", "blockNumber": "0x10"}, nil
		case "eth_getBalance":
			return "0x2c68af0bb140000", nil // 0.2 ether
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}

	if err := m.Fund(context.Background(), fp, keyAddr, "0.2", userAddress); err != nil {
		t.Fatalf("Fund: %v", err)
	}

	bal := st.Balance()
	if bal == nil {
		t.Fatal("balance snapshot not written")
	}
	if bal.ETH != "0.2" {
		t.Errorf("balance ETH: got %s want 0.2", bal.ETH)
	}
	if bal.EstimatedTxs == 0 {
		t.Error("estimated transactions should be positive")
	}

	sends := fp.callsTo("eth_sendTransaction")
	if len(sends) != 1 {
		t.Fatalf("expected one value transfer, got %d", len(sends))
	}
}

func TestFund_ConfirmationTimeout(t *testing.T) {
	m, st, _ := newTestManager(t)
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		switch method {
		case "eth_chainId":
			return "0x1bb", nil
		case "eth_sendTransaction":
			return fundTxHash, nil
		case "eth_getTransactionReceipt":
			return nil, nil // never confirms
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}}

	err := m.Fund(context.Background(), fp, keyAddr, "0.1", userAddress)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.ConfirmationTimeout {
		t.Fatalf("expected ConfirmationTimeout, got %v", err)
	}
	if kind, ok := errs.KindOf(st.Err()); !ok || kind != errs.ConfirmationTimeout {
		t.Errorf("state error: got %v", st.Err())
	}
	if st.IsLoading() {
		t.Error("IsLoading left set after timeout")
	}
}

func TestFund_InvalidAmount(t *testing.T) {
	m, _, _ := newTestManager(t)
	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		t.Errorf("no transfer should be sent for a bad amount, got %s", method)
		return nil, nil
	}}

	err := m.Fund(context.Background(), fp, keyAddr, "not-a-number", userAddress)
	if kind, ok := errs.KindOf(err); !ok || kind != errs.EncodingFailure {
		t.Fatalf("expected EncodingFailure, got %v", err)
	}
}

// ── Delete / Cleanup ────────────────────────────────────────────────────────

func TestDelete_ResetsStateAndPersistence(t *testing.T) {
	m, st, p := newTestManager(t)
	st.Update(state.Update{
		SessionKey: state.Str(keyAddr),
		IsActive:   state.Flag(true),
		Balance:    &state.Balance{ETH: "1", EstimatedTxs: 100},
	})

	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return zeroWord, nil
	}}

	if err := m.Delete(context.Background(), fp); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got := st.Snapshot()
	if got.SessionKey != "" || got.IsActive || got.Balance != nil {
		t.Fatalf("state not reset: %+v", got)
	}
	if blob, _ := p.Load(context.Background()); blob != nil {
		t.Fatal("persisted blob survived Delete")
	}
}

func TestCleanup_DeactivateFailureStopsDelete(t *testing.T) {
	m, st, _ := newTestManager(t)
	st.Update(state.Update{SessionKey: state.Str(keyAddr), IsActive: state.Flag(true)})

	boom := errors.New("actuation rejected")
	fp := &fakeProvider{handler: func(method string, params []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		switch strings.ToLower(params[0].(string)) {
		case testChain.DeactivateAddress:
			return nil, boom
		case testChain.DeleteAddress:
			t.Error("delete actuation issued after deactivate failed")
		}
		return zeroWord, nil
	}}

	err := m.Cleanup(context.Background(), fp)
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected the deactivate failure to propagate, got %v", err)
	}
	if st.SessionKey() != keyAddr {
		t.Error("session key must be unchanged after a failed cleanup")
	}
	if st.Err() == nil {
		t.Error("state error not recorded")
	}
}

func TestCleanup_Success(t *testing.T) {
	m, st, p := newTestManager(t)
	st.Update(state.Update{SessionKey: state.Str(keyAddr), IsActive: state.Flag(true)})

	fp := &fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return zeroWord, nil
	}}

	if err := m.Cleanup(context.Background(), fp); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	calls := fp.callsTo("eth_getStorageAt")
	if len(calls) != 2 {
		t.Fatalf("expected deactivate+delete, got %d calls", len(calls))
	}
	if storageAddr(calls[0]) != testChain.DeactivateAddress || storageAddr(calls[1]) != testChain.DeleteAddress {
		t.Errorf("wrong actuation order: %s then %s", storageAddr(calls[0]), storageAddr(calls[1]))
	}
	if got := st.Snapshot(); got.SessionKey != "" || got.IsActive {
		t.Fatalf("state not reset: %+v", got)
	}
	if blob, _ := p.Load(context.Background()); blob != nil {
		t.Fatal("persisted blob survived Cleanup")
	}
}

// ── Provider events ─────────────────────────────────────────────────────────

// emittingProvider adds the event surface to fakeProvider.
type emittingProvider struct {
	fakeProvider
	mu   sync.Mutex
	subs map[string][]*func(json.RawMessage)
}

func (e *emittingProvider) Subscribe(event string, fn func(payload json.RawMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[string][]*func(json.RawMessage))
	}
	ptr := &fn
	e.subs[event] = append(e.subs[event], ptr)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		handlers := e.subs[event]
		for i, h := range handlers {
			if h == ptr {
				e.subs[event] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

func (e *emittingProvider) emit(event string) {
	e.mu.Lock()
	handlers := append([]*func(json.RawMessage){}, e.subs[event]...)
	e.mu.Unlock()
	for _, h := range handlers {
		(*h)(nil)
	}
}

func (e *emittingProvider) handlerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[event])
}

func TestEvents_DisconnectForcesInactive(t *testing.T) {
	m, st, _ := newTestManager(t)
	ep := &emittingProvider{fakeProvider: fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return keyWord, nil
	}}}

	if _, err := m.Create(context.Background(), ep); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(context.Background(), ep); err != nil {
		t.Fatal(err)
	}

	ep.emit("disconnect")

	got := st.Snapshot()
	if got.IsActive {
		t.Fatal("disconnect did not force IsActive=false")
	}
	if got.Err == nil {
		t.Fatal("disconnect did not record a descriptive error")
	}
}

func TestEvents_ChainChangedForcesInactive(t *testing.T) {
	m, st, _ := newTestManager(t)
	ep := &emittingProvider{fakeProvider: fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return keyWord, nil
	}}}

	if _, err := m.Create(context.Background(), ep); err != nil {
		t.Fatal(err)
	}
	ep.emit("chainChanged")

	if st.IsActive() {
		t.Fatal("chainChanged did not force IsActive=false")
	}
	if kind, ok := errs.KindOf(st.Err()); !ok || kind != errs.WrongNetwork {
		t.Errorf("expected WrongNetwork from chainChanged, got %v", st.Err())
	}
}

func TestEvents_ReattachDoesNotStackHandlers(t *testing.T) {
	m, _, _ := newTestManager(t)
	ep := &emittingProvider{fakeProvider: fakeProvider{handler: func(method string, _ []any) (any, error) {
		if res, ok := chainOK(method); ok {
			return res, nil
		}
		return keyWord, nil
	}}}

	for i := 0; i < 3; i++ {
		if _, err := m.Create(context.Background(), ep); err != nil {
			t.Fatal(err)
		}
	}

	if n := ep.handlerCount("disconnect"); n != 1 {
		t.Fatalf("expected exactly 1 disconnect handler after repeated attach, got %d", n)
	}
	if n := ep.handlerCount("chainChanged"); n != 1 {
		t.Fatalf("expected exactly 1 chainChanged handler, got %d", n)
	}
}
