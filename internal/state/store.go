package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// persisted is the exact subset written to the persistence backend.
// Balance, IsLoading and Err are volatile and never stored.
type persisted struct {
	SessionKey string `json:"sessionKey"`
	IsActive   bool   `json:"isActive"`
}

// Store owns one State record. Updates are serialized through a queue
// drained by a single goroutine, so at most one update is in flight at a
// time and concurrent submissions apply in arrival order without losing
// fields.
type Store struct {
	mu  sync.RWMutex
	cur State

	updates chan updateReq
	done    chan struct{}
	closing sync.Once

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int

	persist Persistence
	log     *zap.Logger
}

type updateReq struct {
	u    Update
	done chan struct{}
}

// NewStore builds a store, seeding the persisted subset from p when a blob
// is present. Load failures are logged and the store starts from defaults;
// the in-memory record is authoritative for the running process.
func NewStore(p Persistence, log *zap.Logger) *Store {
	s := &Store{
		updates: make(chan updateReq, 64),
		done:    make(chan struct{}),
		subs:    make(map[int]func(State)),
		persist: p,
		log:     log,
	}

	if p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		blob, err := p.Load(ctx)
		switch {
		case err != nil:
			log.Warn("state: load persisted state failed, starting from defaults", zap.Error(err))
		case blob != nil:
			var pv persisted
			if err := json.Unmarshal(blob, &pv); err != nil {
				log.Warn("state: persisted state corrupt, starting from defaults", zap.Error(err))
			} else {
				s.cur.SessionKey = pv.SessionKey
				s.cur.IsActive = pv.IsActive
			}
		}
	}

	go s.run()
	return s
}

// Snapshot returns a copy of the current record. Readers never
// observe an in-progress mutation.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Update queues a partial mutation and blocks until it is applied,
// persisted (when it touches a persisted field) and delivered to every
// subscriber registered at application time.
func (s *Store) Update(u Update) {
	req := updateReq{u: u, done: make(chan struct{})}
	select {
	case s.updates <- req:
	case <-s.done:
		return
	}
	select {
	case <-req.done:
	case <-s.done:
	}
}

// Subscribe registers fn for every subsequent state change and returns its
// unsubscribe capability. Notification order across subscribers is not
// guaranteed.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// ClearPersisted removes the stored blob only; the in-memory record is not
// touched.
func (s *Store) ClearPersisted() error {
	if s.persist == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return s.persist.Delete(ctx)
}

// Close stops the update queue. Pending Update callers unblock.
func (s *Store) Close() {
	s.closing.Do(func() { close(s.done) })
}

// Convenience getters, all projections of Snapshot.

func (s *Store) SessionKey() string { return s.Snapshot().SessionKey }
func (s *Store) IsActive() bool     { return s.Snapshot().IsActive }
func (s *Store) IsLoading() bool    { return s.Snapshot().IsLoading }

func (s *Store) Balance() *Balance { return s.Snapshot().Balance }

func (s *Store) Err() error {
	if e := s.Snapshot().Err; e != nil {
		return e
	}
	return nil
}

func (s *Store) run() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.updates:
			s.applyOne(req)
		}
	}
}

func (s *Store) applyOne(req updateReq) {
	defer close(req.done)

	next := s.Snapshot()
	req.u.apply(&next)

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()

	if req.u.touchesPersisted() {
		s.writePersisted(next)
	}
	s.notify(next)
}

// writePersisted rewrites the persisted subset. Failures are logged and
// swallowed; they must never fail the update.
func (s *Store) writePersisted(st State) {
	if s.persist == nil {
		return
	}
	blob, err := json.Marshal(persisted{SessionKey: st.SessionKey, IsActive: st.IsActive})
	if err != nil {
		s.log.Warn("state: marshal persisted state", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persist.Save(ctx, blob); err != nil {
		s.log.Warn("state: persist state failed, in-memory state remains authoritative", zap.Error(err))
	}
}

func (s *Store) notify(st State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		s.deliver(fn, st.clone())
	}
}

// deliver invokes one subscriber; a panicking subscriber must not block
// delivery to the rest or fail the update.
func (s *Store) deliver(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("state: subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn(st)
}
