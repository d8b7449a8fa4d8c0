package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store. It is the default backend for single-node
// deployments and the backend every test runs against.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Get(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrKeyNotFound
	}
	// Copy so callers cannot mutate stored bytes.
	out := Record{Value: append([]byte(nil), rec.Value...), Version: rec.Version}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; ok {
		return ErrKeyExists
	}
	m.records[key] = Record{Value: append([]byte(nil), value...), Version: 1}
	return nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.records[key]
	m.records[key] = Record{Value: append([]byte(nil), value...), Version: rec.Version + 1}
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, value []byte, expectVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return ErrKeyNotFound
	}
	if rec.Version != expectVersion {
		return ErrVersionConflict
	}
	m.records[key] = Record{Value: append([]byte(nil), value...), Version: rec.Version + 1}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string, expectVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return ErrKeyNotFound
	}
	if rec.Version != expectVersion {
		return ErrVersionConflict
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
