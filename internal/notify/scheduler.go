package notify

import (
	"sync"
	"time"
)

// Scheduler runs a function after a delay, keyed so a reschedule for
// the same key replaces the pending run. Tests swap in a manual
// implementation to advance time deterministically.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func())
	Cancel(key string)
	Stop()
}

// TimerScheduler backs the Scheduler with real timers.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: map[string]*time.Timer{}}
}

func (s *TimerScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

func (s *TimerScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
