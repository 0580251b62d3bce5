package docstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Both parties of a call can share one
// instance, which makes it the loopback backend for tests and single-host
// demos. Deliveries to each subscriber are pumped through a dedicated
// goroutine so a publisher never blocks on, or deadlocks against, a
// subscriber that re-enters the store.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]Document
	subs   map[string]map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	ch   chan Document
	done chan struct{}
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.done) })
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Document),
		subs: make(map[string]map[int]*memorySub),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

func (s *MemoryStore) Merge(_ context.Context, key string, fields map[string]any) error {
	s.mu.Lock()
	doc, ok := s.docs[key]
	if !ok {
		doc = Document{}
	} else {
		doc = doc.Clone()
	}
	applyFields(doc, fields)
	s.docs[key] = doc
	s.broadcastLocked(key, doc)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if _, ok := s.docs[key]; ok {
		delete(s.docs, key)
		s.broadcastLocked(key, nil)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, key string, fn func(Document)) (func(), error) {
	sub := &memorySub{
		// Deep enough for a full negotiation burst; the pump goroutine
		// drains continuously so this rarely fills.
		ch:   make(chan Document, 64),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]*memorySub)
	}
	s.subs[key][id] = sub

	// Initial snapshot goes through the same queue so ordering with
	// subsequent merges is preserved.
	var initial Document
	if doc, ok := s.docs[key]; ok {
		initial = doc.Clone()
	}
	sub.ch <- initial
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case doc := <-sub.ch:
				select {
				case <-sub.done:
					return
				default:
				}
				fn(doc)
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		if m := s.subs[key]; m != nil {
			delete(m, id)
		}
		s.mu.Unlock()
		sub.close()
	}
	return cancel, nil
}

func (s *MemoryStore) broadcastLocked(key string, doc Document) {
	for _, sub := range s.subs[key] {
		var snapshot Document
		if doc != nil {
			snapshot = doc.Clone()
		}
		select {
		case sub.ch <- snapshot:
		case <-sub.done:
		}
	}
}
