package provider

import (
	"context"
	"encoding/base64"
	"fmt"
)

// ReplicatedMap is the subset of goa.design/pulse/rmap.Map that RMapKVStore
// depends on. *rmap.Map satisfies it directly, as it also satisfies the
// different method sets of ratelimit.ClusterMap and idempotency.Map; the
// server joins one named map per concern over a single Redis client.
type ReplicatedMap interface {
	Get(key string) (string, bool)
	Set(ctx context.Context, key, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

// RMapKVStore adapts a ReplicatedMap (string keys and values) to the
// byte-oriented KVStore the vault depends on. Payloads are base64-encoded
// before being stored, since rmap.Map's underlying Redis hash is a string
// map and AES-GCM ciphertext is not valid UTF-8.
type RMapKVStore struct {
	m ReplicatedMap
}

// NewRMapKVStore wraps a replicated map for use as the vault's persistence
// backend.
func NewRMapKVStore(m ReplicatedMap) *RMapKVStore {
	return &RMapKVStore{m: m}
}

func (s *RMapKVStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, ok := s.m.Get(key)
	if !ok {
		return nil, false, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("provider: decode stored value for %q: %w", key, err)
	}
	return decoded, true, nil
}

func (s *RMapKVStore) Set(ctx context.Context, key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if _, err := s.m.Set(ctx, key, encoded); err != nil {
		return fmt.Errorf("provider: store value for %q: %w", key, err)
	}
	return nil
}

func (s *RMapKVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("provider: delete value for %q: %w", key, err)
	}
	return nil
}
