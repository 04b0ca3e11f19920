package pss

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xDarkicex/proximum/internal/kv"
)

// KVStorage adapts a kv.Store into a pss.Storage, namespacing node keys
// under the owning tree's name and addressing nodes by UUID (plain mode)
// or by content hash (crypto mode, via hashFn).
type KVStorage struct {
	ctx    context.Context
	store  kv.Store
	prefix string
	hashFn func([]byte) string // nil in non-crypto mode
}

// NewKVStorage creates a node-storage adapter for one tree namespace
// (e.g. "meta/main", "extid/main", "eaddr/main").
func NewKVStorage(ctx context.Context, store kv.Store, prefix string, hashFn func([]byte) string) *KVStorage {
	return &KVStorage{ctx: ctx, store: store, prefix: prefix, hashFn: hashFn}
}

func (s *KVStorage) Store(data []byte) (string, error) {
	var addr string
	if s.hashFn != nil {
		addr = s.hashFn(data)
	} else {
		addr = uuid.NewString()
	}
	key := fmt.Sprintf("pss/%s/%s", s.prefix, addr)
	if err := s.store.Put(s.ctx, key, data); err != nil {
		return "", err
	}
	return addr, nil
}

func (s *KVStorage) Restore(addr string) ([]byte, error) {
	key := fmt.Sprintf("pss/%s/%s", s.prefix, addr)
	data, ok, err := s.store.Get(s.ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pss: node %s not found under %s", addr, s.prefix)
	}
	return data, nil
}

func (s *KVStorage) Accessed(addr string) {}
