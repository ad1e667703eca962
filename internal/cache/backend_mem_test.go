package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errBackendDown = errors.New("backend down")

// memBackend is an in-memory Backend that records delete batch sizes and can
// be switched into failure.
type memBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	batches []int
	failGet bool
	failPut bool
	failDel bool
	closed  bool

	// afterClose counts Get, Put and Delete calls made after Close.
	afterClose int
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string][]byte{}}
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.afterClose++
	}
	if b.failGet {
		return nil, false, errBackendDown
	}
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *memBackend) Put(_ context.Context, key string, value []byte, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.afterClose++
	}
	if b.failPut {
		return errBackendDown
	}
	b.data[key] = append([]byte(nil), value...)
	return nil
}

func (b *memBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.afterClose++
	}
	if b.failDel {
		return errBackendDown
	}
	b.batches = append(b.batches, len(keys))
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

func (b *memBackend) Scan(_ context.Context, fn func(key string, value []byte) error) error {
	for _, k := range b.sortedKeys() {
		b.mu.Lock()
		v, ok := b.data[k]
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *memBackend) ScanKeys(ctx context.Context, fn func(key string) error) error {
	for _, k := range b.sortedKeys() {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *memBackend) sortedKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *memBackend) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *memBackend) deleteBatches() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.batches...)
}

func (b *memBackend) callsAfterClose() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.afterClose
}
