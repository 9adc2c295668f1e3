package cache

import (
	"context"
	"sync"
)

// MemStorage keeps stores in process memory. Contents are lost on restart.
type MemStorage struct {
	mutex  sync.RWMutex
	stores map[string]*memStore
	// store names in creation order
	order []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		stores: make(map[string]*memStore),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memStore{
		name: name,
		db:   make(map[string]Entry),
	}
	m.stores[name] = s
	m.order = append(m.order, name)
	return s, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.close()
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Match(ctx context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if bts, ok, _ := m.stores[name].Match(ctx, key); ok {
			return bts, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memStore struct {
	name  string
	mutex sync.RWMutex
	db    map[string]Entry
	// keys in write order; the front is the oldest
	queue  []string
	closed bool
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(_ context.Context, key string) ([]byte, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	entry, ok := s.db[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Bytes, true, nil
}

func (s *memStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

func (s *memStore) PutAll(_ context.Context, entries []Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, entry := range entries {
		if _, ok := s.db[entry.Key]; ok {
			s.remove(entry.Key)
		}
		s.db[entry.Key] = entry
		s.queue = append(s.queue, entry.Key)
	}
	return nil
}

func (s *memStore) Keys(_ context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return append([]string(nil), s.queue...), nil
}

func (s *memStore) Delete(_ context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.db[key]; !ok {
		return false, nil
	}
	s.remove(key)
	return true, nil
}

// remove drops the key from the map and from the queue, preserving order.
func (s *memStore) remove(key string) {
	delete(s.db, key)
	for i, k := range s.queue {
		if k == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

func (s *memStore) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	s.db = nil
	s.queue = nil
}
