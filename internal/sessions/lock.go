package sessions

import "sync"

type turnLock struct {
	mu   sync.Mutex
	refs int
}

// LockTurn serialises turns for one session: history reads, the LLM
// call, and message writes of a turn happen under it. The returned
// release must be called when the turn ends. Entries are discarded
// once the last holder releases, so idle sessions cost nothing.
func (s *Service) LockTurn(sessionID string) func() {
	if sessionID == "" {
		return func() {}
	}

	s.locksMu.Lock()
	lock := s.locks[sessionID]
	if lock == nil {
		lock = &turnLock{}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(s.locks, sessionID)
		}
		s.locksMu.Unlock()
	}
}
