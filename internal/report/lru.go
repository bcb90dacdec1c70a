package report

import (
	"container/list"
	"sync"
)

// LRUStore is an in-memory LRU cache in front of a backing Store. Saves
// are written through; loads are served from memory when possible.
type LRUStore struct {
	mu    sync.Mutex
	cap   int
	back  Store
	order *list.List // of *Record, most recent at front
	items map[string]*list.Element
}

// NewLRUStore creates an LRU cache holding up to cap records that
// delegates to back on misses. Capacity is at least 1.
func NewLRUStore(cap int, back Store) *LRUStore {
	return &LRUStore{
		cap:   max(cap, 1),
		back:  back,
		order: list.New(),
		items: make(map[string]*list.Element, max(cap, 1)),
	}
}

// Save caches rec and writes it to the backing store.
func (s *LRUStore) Save(rec *Record) error {
	s.put(rec)
	return s.back.Save(rec)
}

// Load returns the cached record or loads and caches it from the backing
// store.
func (s *LRUStore) Load(runID string) (*Record, error) {
	s.mu.Lock()
	if e, ok := s.items[runID]; ok {
		s.order.MoveToFront(e)
		rec := e.Value.(*Record)
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	rec, err := s.back.Load(runID)
	if err != nil {
		return nil, err
	}
	s.put(rec)
	return rec, nil
}

// Len returns the number of cached records.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *LRUStore) put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[rec.ID]; ok {
		e.Value = rec
		s.order.MoveToFront(e)
		return
	}
	s.items[rec.ID] = s.order.PushFront(rec)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*Record).ID)
	}
}
