// Package provider defines the external wallet/provider contract consumed by
// the session-key lifecycle manager and the transaction builder: an opaque
// request/response RPC function plus optional connection events. The typed
// per-method wrappers validate every result at the boundary so the rest of
// the system never handles raw JSON.
package provider

import (
	"context"
	"encoding/json"
)

// Provider is the opaque JSON-RPC request/response contract. Implementations
// are injected per call; this system owns no provider lifecycle beyond
// listener attach/detach.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Connection events a provider may emit.
const (
	EventDisconnect   = "disconnect"
	EventChainChanged = "chainChanged"
)

// EventEmitter is optionally implemented by providers that surface
// connection events. Subscribe registers a handler and returns its
// unsubscribe capability.
type EventEmitter interface {
	Subscribe(event string, fn func(payload json.RawMessage)) (unsubscribe func())
}

// AsEmitter returns the provider's event surface, or nil when it has none.
func AsEmitter(p Provider) EventEmitter {
	if e, ok := p.(EventEmitter); ok {
		return e
	}
	return nil
}
