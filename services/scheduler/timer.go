package schedsvc

import (
	"sync"
	"time"

	"github.com/trezcool/kibali/core"
)

// TimerScheduler runs scheduled actions on in-process timers. Pending
// timers are tracked so Stop can drop them all at shutdown; actions are
// lost on restart, which is acceptable since every consumer re-checks
// state before acting.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[int]*time.Timer
	nextID int
	done   bool
}

var _ core.Scheduler = (*TimerScheduler)(nil)

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[int]*time.Timer)}
}

func (s *TimerScheduler) Schedule(fireAt time.Time, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return func() bool { return false }
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(time.Until(fireAt), func() {
		s.mu.Lock()
		delete(s.timers, id)
		done := s.done
		s.mu.Unlock()
		if !done {
			fn()
		}
	})

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, ok := s.timers[id]
		if !ok {
			return false
		}
		delete(s.timers, id)
		return t.Stop()
	}
}

// Stop cancels all pending actions and rejects new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// StubScheduler captures scheduled actions for tests; nothing runs until
// RunAll is called.
type StubScheduler struct {
	mu      sync.Mutex
	FireAts []time.Time
	fns     []func()
}

var _ core.Scheduler = (*StubScheduler)(nil)

func NewStubScheduler() *StubScheduler {
	return &StubScheduler{}
}

func (s *StubScheduler) Schedule(fireAt time.Time, fn func()) func() bool {
	s.mu.Lock()
	s.FireAts = append(s.FireAts, fireAt)
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
	return func() bool { return false }
}

// RunAll fires every captured action synchronously and clears the queue.
func (s *StubScheduler) RunAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns, s.FireAts = nil, nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
