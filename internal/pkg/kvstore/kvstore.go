package kvstore

import (
	"sync"
)

// KVStore is a map guarded by RWMutex, safe for concurrent use.
type KVStore[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// New creates new KVStore instance.
func New[K comparable, V any]() *KVStore[K, V] {
	return &KVStore[K, V]{data: make(map[K]V)}
}

// Get returns value by key.
func (s *KVStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[key]
	return item, ok
}

// Set stores value in storage making it accessible by key.
func (s *KVStore[K, V]) Set(key K, data V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

// GetOrSet returns value stored by key. If there is none, value
// produced by create is stored and returned. Second result reports
// whether value was already present.
//
// create is called under write lock and must not touch the store.
func (s *KVStore[K, V]) GetOrSet(key K, create func() V) (V, bool) {
	s.mu.RLock()
	item, ok := s.data[key]
	s.mu.RUnlock()
	if ok {
		return item, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Somebody could have stored it between the locks.
	if item, ok = s.data[key]; ok {
		return item, true
	}

	item = create()
	s.data[key] = item
	return item, false
}

// Remove entry by key.
func (s *KVStore[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Len returns number of stored entries.
func (s *KVStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Range calls fn for every entry until fn returns false.
// Entries are snapshotted first, so fn may modify the store.
func (s *KVStore[K, V]) Range(fn func(K, V) bool) {
	s.mu.RLock()
	keys := make([]K, 0, len(s.data))
	values := make([]V, 0, len(s.data))
	for k, v := range s.data {
		keys = append(keys, k)
		values = append(values, v)
	}
	s.mu.RUnlock()

	for i := range keys {
		if !fn(keys[i], values[i]) {
			return
		}
	}
}

// Values returns snapshot of all stored values in unspecified order.
func (s *KVStore[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]V, 0, len(s.data))
	for _, v := range s.data {
		values = append(values, v)
	}
	return values
}
