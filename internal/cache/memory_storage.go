package cache

import (
	"context"
	"sort"
	"sync"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	generations map[string]map[string]Snapshot
	meta        map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		generations: make(map[string]map[string]Snapshot),
		meta:        make(map[string]string),
	}
}

func (ms *MemoryStorage) Put(_ context.Context, generation string, snapshot Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	entries, ok := ms.generations[generation]
	if !ok {
		entries = make(map[string]Snapshot)
		ms.generations[generation] = entries
	}
	entries[snapshot.URL] = snapshot.clone()
	return nil
}

func (ms *MemoryStorage) Match(_ context.Context, generation string, url string) (Snapshot, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	snapshot, ok := ms.generations[generation][url]
	if !ok {
		return Snapshot{}, false, nil
	}
	return snapshot.clone(), true, nil
}

func (ms *MemoryStorage) Delete(_ context.Context, generation string, url string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.generations[generation], url)
	return nil
}

func (ms *MemoryStorage) Generations(_ context.Context) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	names := make([]string, 0, len(ms.generations))
	for name := range ms.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (ms *MemoryStorage) DeleteGeneration(_ context.Context, generation string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.generations, generation)
	return nil
}

func (ms *MemoryStorage) Meta(_ context.Context, key string) (string, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	value, ok := ms.meta[key]
	return value, ok, nil
}

func (ms *MemoryStorage) SetMeta(_ context.Context, key string, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.meta[key] = value
	return nil
}

func (ms *MemoryStorage) Close() error {
	return nil
}
