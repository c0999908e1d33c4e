package scheduler

import (
	"log"
	"sync"

	"github.com/fieldlink/odoofield/internal/models"
)

// Event is a sync lifecycle notification delivered to listeners.
type Event struct {
	Entity   string
	Mode     models.SyncMode
	State    models.SyncState
	Progress models.SyncProgress
	Err      error
}

// Listener receives sync events.
type Listener func(Event)

type listenerSet struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[int]Listener)}
}

// add registers a listener and returns its removal handle.
func (s *listenerSet) add(fn Listener) (remove func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// emit delivers ev to every listener. A panicking listener is logged
// and skipped; one bad subscriber must not take down the sync loop.
func (s *listenerSet) emit(ev Event) {
	s.mu.RLock()
	snapshot := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		snapshot = append(snapshot, fn)
	}
	s.mu.RUnlock()

	for _, fn := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("⚠️ Sync listener panicked: %v", r)
				}
			}()
			fn(ev)
		}()
	}
}
