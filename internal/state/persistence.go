package state

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PersistKey is the single fixed key the persisted blob lives under. No
// other component writes it.
const PersistKey = "sessionkey:state"

// Persistence stores the persisted state subset as an opaque blob. Load
// returns nil when no blob exists.
type Persistence interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	Delete(ctx context.Context) error
}

// RedisPersistence keeps the blob in redis under PersistKey.
type RedisPersistence struct {
	rdb *redis.Client
}

func NewRedisPersistence(rdb *redis.Client) *RedisPersistence {
	return &RedisPersistence{rdb: rdb}
}

func (p *RedisPersistence) Load(ctx context.Context) ([]byte, error) {
	blob, err := p.rdb.Get(ctx, PersistKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (p *RedisPersistence) Save(ctx context.Context, blob []byte) error {
	return p.rdb.Set(ctx, PersistKey, blob, 0).Err()
}

func (p *RedisPersistence) Delete(ctx context.Context) error {
	return p.rdb.Del(ctx, PersistKey).Err()
}

// MemoryPersistence is an in-process backend for tests and ephemeral runs.
type MemoryPersistence struct {
	mu   sync.Mutex
	blob []byte
}

func NewMemoryPersistence() *MemoryPersistence { return &MemoryPersistence{} }

func (p *MemoryPersistence) Load(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blob == nil {
		return nil, nil
	}
	out := make([]byte, len(p.blob))
	copy(out, p.blob)
	return out, nil
}

func (p *MemoryPersistence) Save(_ context.Context, blob []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = make([]byte, len(blob))
	copy(p.blob, blob)
	return nil
}

func (p *MemoryPersistence) Delete(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = nil
	return nil
}
