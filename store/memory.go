package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. It
// honors TTLs (entries expire lazily on access) but obviously provides no
// cross-process sharing beyond whatever shares the same *Memory value.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
	ttls   map[string]time.Time

	// now is swappable so tests can age entries without sleeping.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		ttls:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetClock replaces the store's time source. Test helper.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// expired reports and removes a lapsed key. Caller holds the write lock.
func (m *Memory) expired(key string) bool {
	deadline, ok := m.ttls[key]
	if !ok || m.now().Before(deadline) {
		return false
	}
	m.purge(key)
	return true
}

func (m *Memory) purge(key string) {
	delete(m.values, key)
	delete(m.sets, key)
	delete(m.hashes, key)
	delete(m.ttls, key)
}

func (m *Memory) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.ttls[key] = m.now().Add(ttl)
	} else {
		delete(m.ttls, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	val, ok := m.values[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.expired(key) {
		if _, ok := m.values[key]; ok {
			return false, nil
		}
	}
	m.values[key] = value
	m.setTTL(key, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.purge(key)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	if m.exists(key) {
		m.setTTL(key, ttl)
	}
	return nil
}

// exists checks all three keyspaces. Caller holds the lock.
func (m *Memory) exists(key string) bool {
	if _, ok := m.values[key]; ok {
		return true
	}
	if s, ok := m.sets[key]; ok && len(s) > 0 {
		return true
	}
	if h, ok := m.hashes[key]; ok && len(h) > 0 {
		return true
	}
	return false
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	return m.exists(key), nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	var added int64
	for _, member := range members {
		if _, ok := set[member]; !ok {
			added++
		}
		set[member] = struct{}{}
	}
	return added, nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
		delete(m.ttls, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, nil
	}
	return int64(len(m.sets[key])), nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	hash, ok := m.hashes[key]
	if !ok {
		hash = make(map[string]string)
		m.hashes[key] = hash
	}
	hash[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	val, ok := m.hashes[key][field]
	return val, ok, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil
	}
	hash, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(hash, field)
	}
	if len(hash) == 0 {
		delete(m.hashes, key)
		delete(m.ttls, key)
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for field, val := range m.hashes[key] {
		out[field] = val
	}
	return out, nil
}

func (m *Memory) HLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, nil
	}
	return int64(len(m.hashes[key])), nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range m.values {
		seen[key] = struct{}{}
	}
	for key := range m.sets {
		seen[key] = struct{}{}
	}
	for key := range m.hashes {
		seen[key] = struct{}{}
	}

	var keys []string
	for key := range seen {
		if m.expired(key) {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *Memory) Close() error {
	return nil
}
