package cache

import (
	"bytes"
	"container/list"
	"context"
	"path"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 10000
	sweepInterval     = time.Minute
)

// MemoryCache keeps query results in process. Entries are evicted least
// recently used first once MaxEntries is reached, and expired entries are
// swept periodically.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is most recently used
	maxEntries int

	done      chan struct{}
	closeOnce sync.Once
}

type entry struct {
	key     string
	value   []byte
	expires time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemoryOption configures a MemoryCache
type MemoryOption func(*MemoryCache)

// WithMaxEntries bounds the number of cached results
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryCache) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// NewMemoryCache creates an in-memory cache and starts its expiry sweeper
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	m := &MemoryCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: defaultMaxEntries,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweep()
	return m
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		m.remove(el)
		return nil, ErrCacheMiss
	}
	m.order.MoveToFront(el)
	return bytes.Clone(e.value), nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{key: key, value: bytes.Clone(value)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}

	if el, ok := m.entries[key]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return nil
	}

	m.entries[key] = m.order.PushFront(e)
	for m.order.Len() > m.maxEntries {
		m.remove(m.order.Back())
	}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.remove(el)
	}
	return nil
}

func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	return ok && !el.Value.(*entry).expired(time.Now()), nil
}

// Clear removes every key matching the glob pattern, with the same syntax
// Redis SCAN MATCH accepts for the patterns this package builds.
func (m *MemoryCache) Clear(_ context.Context, pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, el := range m.entries {
		if ok, _ := path.Match(pattern, key); ok {
			m.remove(el)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired or not
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Close stops the sweeper; it is safe to call more than once
func (m *MemoryCache) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// remove requires m.mu
func (m *MemoryCache) remove(el *list.Element) {
	m.order.Remove(el)
	delete(m.entries, el.Value.(*entry).key)
}

func (m *MemoryCache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for el := m.order.Front(); el != nil; {
				next := el.Next()
				if el.Value.(*entry).expired(now) {
					m.remove(el)
				}
				el = next
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}
