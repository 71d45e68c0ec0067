// Package state holds the session-key state record: a single mutable value
// per Store instance, mutated through a serialized update queue, observable
// by any number of subscribers, with the {sessionKey, isActive} subset
// persisted through a pluggable backend.
package state

import (
	"github.com/0xjba/session-keys/internal/errs"
)

// Balance is the last-observed funding snapshot. Advisory only; it may be
// stale and nothing ties it to on-chain truth.
type Balance struct {
	ETH          string `json:"eth"`
	EstimatedTxs uint64 `json:"estimatedTransactions"`
}

// State is the session-key record. SessionKey is empty until a key is
// created; IsActive true implies SessionKey is set (enforced by operation
// ordering in the lifecycle manager).
type State struct {
	SessionKey string
	IsActive   bool
	Balance    *Balance
	IsLoading  bool
	Err        *errs.Error
}

func (s State) clone() State {
	out := s
	if s.Balance != nil {
		b := *s.Balance
		out.Balance = &b
	}
	return out
}

// Update is a partial mutation; nil pointer fields leave the corresponding
// record field untouched. Balance and Err are nullable in the record, so
// clearing them is expressed with the explicit Clear flags.
type Update struct {
	SessionKey   *string
	IsActive     *bool
	Balance      *Balance
	ClearBalance bool
	IsLoading    *bool
	Err          *errs.Error
	ClearErr     bool
}

func (u Update) apply(s *State) {
	if u.SessionKey != nil {
		s.SessionKey = *u.SessionKey
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.ClearBalance {
		s.Balance = nil
	} else if u.Balance != nil {
		b := *u.Balance
		s.Balance = &b
	}
	if u.IsLoading != nil {
		s.IsLoading = *u.IsLoading
	}
	if u.ClearErr {
		s.Err = nil
	} else if u.Err != nil {
		s.Err = u.Err
	}
}

// touchesPersisted reports whether the update writes either persisted field.
func (u Update) touchesPersisted() bool {
	return u.SessionKey != nil || u.IsActive != nil
}

// Str and Flag build the pointer fields of an Update.
func Str(v string) *string { return &v }
func Flag(v bool) *bool    { return &v }
