package reconcile

import (
	"slices"
	"sync"

	"github.com/qash-finance/schedule-service/entities"
)

// ViewStore holds the current view of every address. Views are replaced whole.
type ViewStore struct {
	mutex    sync.RWMutex
	views    map[string]entities.NoteView
	revision uint64
}

func NewViewStore() *ViewStore {
	return &ViewStore{views: make(map[string]entities.NoteView)}
}

func (s *ViewStore) Get(address string) (entities.NoteView, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	view, ok := s.views[address]
	return view, ok
}

// Set publishes view as the current view of its address and returns it with its new
// revision.
func (s *ViewStore) Set(view entities.NoteView) entities.NoteView {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.set(view)
}

// CompareAndSwap publishes next only if the current view of the address still has the
// revision of expected.
func (s *ViewStore) CompareAndSwap(expected, next entities.NoteView) (entities.NoteView, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if current := s.views[expected.Address]; current.Revision != expected.Revision {
		return current, false
	}
	return s.set(next), true
}

func (s *ViewStore) Delete(address string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.views, address)
}

func (s *ViewStore) Addresses() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	addresses := make([]string, 0, len(s.views))
	for address := range s.views {
		addresses = append(addresses, address)
	}
	slices.Sort(addresses)
	return addresses
}

func (s *ViewStore) StaleCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var count int
	for _, view := range s.views {
		if view.IsStale() {
			count++
		}
	}
	return count
}

func (s *ViewStore) set(view entities.NoteView) entities.NoteView {
	s.revision++
	view.Revision = s.revision
	view.Notes = slices.Clone(view.Notes)
	s.views[view.Address] = view
	return view
}
