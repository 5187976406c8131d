package tracker

import (
	"sync"

	"github.com/italolelis/torbox_blackhole/internal/job"
)

// Store is the in-memory registry of submitted-but-not-finalized jobs,
// keyed by remote job id. All state is process-local: a restart simply
// forgets in-flight items and the next scan resubmits their source files.
//
// Every method is safe for concurrent use by the watcher and poller ticks.
// Items are stored and returned by value so callers can never mutate an
// entry except through Update.
type Store struct {
	mu    sync.RWMutex
	items map[string]job.Item
}

func NewStore() *Store {
	return &Store{items: make(map[string]job.Item)}
}

// Put inserts or replaces the item under its id.
func (s *Store) Put(item job.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[item.ID] = item
}

// Get returns the item for id and whether it is tracked.
func (s *Store) Get(id string) (job.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]

	return item, ok
}

// All returns a snapshot of every tracked item. The snapshot is detached:
// concurrent mutation after the call does not affect it, and a fresh one
// can be taken at any time.
func (s *Store) All() []job.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]job.Item, 0, len(s.items))
	for _, item := range s.items {
		snapshot = append(snapshot, item)
	}

	return snapshot
}

// Len returns the number of tracked items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

// Update applies mutate to the item under id while holding the store lock,
// so read-modify-write sequences from interleaved ticks never lose updates.
// It reports whether the item was present.
func (s *Store) Update(id string, mutate func(*job.Item)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false
	}

	mutate(&item)
	s.items[id] = item

	return true
}

// Remove deletes the item and returns it for terminal logging.
func (s *Store) Remove(id string) (job.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}

	return item, ok
}

// MarkChecked records one successful status check: the failure counter
// resets to zero and status/progress are refreshed atomically.
func (s *Store) MarkChecked(id, status string, progressPercent float64) bool {
	return s.Update(id, func(item *job.Item) {
		item.ConsecutiveFailures = 0
		item.Status = status
		item.ProgressPercent = progressPercent
	})
}

// MarkFailed records one failed status check and returns the new
// consecutive failure count, or -1 if the item is not tracked.
func (s *Store) MarkFailed(id string) int {
	failures := -1

	s.Update(id, func(item *job.Item) {
		item.ConsecutiveFailures++
		failures = item.ConsecutiveFailures
	})

	return failures
}
