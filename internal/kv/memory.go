package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store mirroring the Redis backend's semantics,
// used in tests and as a degraded single-instance fallback. Expired keys
// are pruned lazily on access.
type Memory struct {
	mu      sync.Mutex
	values  map[string]string
	expiry  map[string]time.Time
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	lists   map[string][]string
	nowFunc func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]string),
		expiry:  make(map[string]time.Time),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][]string),
		nowFunc: time.Now,
	}
}

// WithClock overrides the store's notion of now; tests use this to step
// time past TTLs without sleeping.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.nowFunc = now
	return m
}

func (m *Memory) expired(key string) bool {
	exp, ok := m.expiry[key]
	if !ok {
		return false
	}
	return m.nowFunc().After(exp)
}

// purge removes a key from every structure. Callers hold the mutex.
func (m *Memory) purge(key string) {
	delete(m.values, key)
	delete(m.expiry, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.lists, key)
}

func (m *Memory) pruneLocked(key string) {
	if m.expired(key) {
		m.purge(key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	val, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expiry[key] = m.nowFunc().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	if _, exists := m.values[key]; exists {
		return false, nil
	}
	m.values[key] = value
	if ttl > 0 {
		m.expiry[key] = m.nowFunc().Add(ttl)
	}
	return true, nil
}

func (m *Memory) DelIfEquals(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	if current, ok := m.values[key]; ok && current == value {
		m.purge(key)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
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
	m.expiry[key] = m.nowFunc().Add(ttl)
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func (m *Memory) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	var n int64
	for _, score := range m.zsets[key] {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	members := make([]Member, 0, len(m.zsets[key]))
	for member, score := range m.zsets[key] {
		members = append(members, Member{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	n := int64(len(members))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	return members[start : stop+1], nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	for _, member := range members {
		m.sets[key][member] = struct{}{}
	}
	return nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(key)
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) LPush(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}
