package shell

import (
	"context"
	"sync"
	"time"
)

type memoryStorage struct {
	mu      sync.Mutex
	order   []string
	buckets map[string]*memoryBucket
}

// NewMemoryStorage returns a process-local CacheStorage.
func NewMemoryStorage() CacheStorage {
	return &memoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, items: map[string]*Response{}}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	// Handles already held by callers see an empty bucket from now on.
	b.mu.Lock()
	b.items = map[string]*Response{}
	b.keys = nil
	b.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close() error { return nil }

type memoryBucket struct {
	name string

	mu    sync.RWMutex
	keys  []string
	items map[string]*Response
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key string) (*Response, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, resp *Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(key, resp, time.Now().Unix())
	return nil
}

func (b *memoryBucket) PutAll(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().Unix()
	for _, e := range entries {
		b.putLocked(e.Key, e.Response, now)
	}
	return nil
}

func (b *memoryBucket) putLocked(key string, resp *Response, now int64) {
	c := resp.Clone()
	c.StoredAt = now
	if _, ok := b.items[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.items[key] = c
}

func (b *memoryBucket) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; !ok {
		return false, nil
	}
	delete(b.items, key)
	for i, k := range b.keys {
		if k == key {
			b.keys = append(b.keys[:i], b.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out, nil
}
