// Package kv is an in-memory key/value store served over a chanrpc channel.
package kv

import (
	"context"
	"sync"
)

//go:generate go run chanrpc/cmd/chanrpcgen --type KV

// KV reads and writes strings by ID.
type KV interface {
	Read(ctx context.Context, id uint64) (*string, error)
	Write(ctx context.Context, id uint64, v string) error
	WriteMany(ctx context.Context, pairs map[uint64]string) error
	Noop()
}

// Store is a KV held in memory. The zero value is not usable; use NewStore.
type Store struct {
	mu sync.RWMutex
	m  map[uint64]string
}

var _ KV = (*Store)(nil)

func NewStore() *Store {
	return &Store{m: make(map[uint64]string)}
}

// Read returns the value stored under id, or nil if there is none.
func (s *Store) Read(_ context.Context, id uint64) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) Write(_ context.Context, id uint64, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = v
	return nil
}

// WriteMany stores every pair. It fails without writing anything if ctx is
// already done.
func (s *Store) WriteMany(ctx context.Context, pairs map[uint64]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range pairs {
		s.m[id] = v
	}
	return nil
}

func (s *Store) Noop() {}
