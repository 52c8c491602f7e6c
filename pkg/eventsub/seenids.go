package eventsub

import "sync"

// DefaultSeenWindow is the platform's observed duplicate window. The cache
// may be sized up but never below this.
const DefaultSeenWindow = 15

// seenIDs is a FIFO-evicting set of the most recent message ids across all
// frame types. An id present here has already been processed and its frame
// is silently dropped, including across reconnects.
type seenIDs struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newSeenIDs(capacity int) *seenIDs {
	if capacity < DefaultSeenWindow {
		capacity = DefaultSeenWindow
	}
	return &seenIDs{cap: capacity, set: make(map[string]struct{}, capacity)}
}

// Observe records id, reporting whether it was new. At capacity the oldest
// id is evicted first.
func (s *seenIDs) Observe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.set[id]; dup {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	s.order = append(s.order, id)
	s.set[id] = struct{}{}
	return true
}
