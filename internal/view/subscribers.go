package view

import (
	"sort"
	"sync"

	"prosesync/mergeseq/sequence"
)

type subscriberSet struct {
	mutex  sync.RWMutex
	nextID int
	items  map[int]func(Update)
}

func (s *subscriberSet) add(fn func(Update)) sequence.Disposer {
	s.mutex.Lock()
	if s.items == nil {
		s.items = make(map[int]func(Update))
	}
	id := s.nextID
	s.nextID++
	s.items[id] = fn
	s.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mutex.Lock()
			delete(s.items, id)
			s.mutex.Unlock()
		})
	}
}

func (s *subscriberSet) len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.items)
}

func (s *subscriberSet) snapshot() []func(Update) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]int, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.items[id])
	}
	return out
}
