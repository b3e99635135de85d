package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Op identifies a bucket operation for MemoryBucket interception.
type Op string

const (
	OpGet    Op = "get"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpKeys   Op = "keys"
)

// MemoryBucket is an in-process Bucket with the same create and
// compare-and-set semantics as the KV adapter. Tests use it in place of
// JetStream.
type MemoryBucket struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64
	writes  map[string]int

	// Intercept, when set, runs before every operation. A non-nil error is
	// returned to the caller instead of performing the operation.
	Intercept func(op Op, key string) error
}

// NewMemoryBucket creates an empty bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{
		entries: make(map[string]*Entry),
		writes:  make(map[string]int),
	}
}

func (m *MemoryBucket) intercept(op Op, key string) error {
	if m.Intercept == nil {
		return nil
	}
	return m.Intercept(op, key)
}

// Get implements Bucket.
func (m *MemoryBucket) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.intercept(OpGet, key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp, nil
}

// Create implements Bucket.
func (m *MemoryBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.intercept(OpCreate, key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, fmt.Errorf("create %s: %w", key, ErrConflict)
	}
	return m.put(key, value), nil
}

// Update implements Bucket.
func (m *MemoryBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.intercept(OpUpdate, key); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return 0, fmt.Errorf("update %s: %w", key, ErrNotFound)
	}
	if e.Revision != revision {
		return 0, fmt.Errorf("update %s: expected revision %d, have %d: %w", key, revision, e.Revision, ErrConflict)
	}
	return m.put(key, value), nil
}

// Keys implements Bucket.
func (m *MemoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.intercept(OpKeys, ""); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Writes returns how many successful writes touched key.
func (m *MemoryBucket) Writes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[key]
}

// Len returns the number of stored keys.
func (m *MemoryBucket) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// put stores value under key. Caller holds mu.
func (m *MemoryBucket) put(key string, value []byte) uint64 {
	m.seq++
	created := time.Now().UTC()
	if prev, ok := m.entries[key]; ok {
		created = prev.Created
	}
	m.entries[key] = &Entry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: m.seq,
		Created:  created,
	}
	m.writes[key]++
	return m.seq
}
