// Package worker holds the process-wide state shared by the queue consumer,
// the lease renewer and the idle monitor.
package worker

import (
	"sync"
	"time"
)

// State is created once at startup and passed to every background loop.
// Writes happen a few times per job and reads on polling cadences, so a
// single mutex guards everything.
type State struct {
	mu           sync.Mutex
	lastActivity time.Time
	processing   bool
	shuttingDown bool
	now          func() time.Time
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	LastActivity time.Time
	Processing   bool
	ShuttingDown bool
}

// NewState returns a State whose idle clock starts now.
func NewState() *State {
	return newState(time.Now)
}

func newState(now func() time.Time) *State {
	return &State{lastActivity: now(), now: now}
}

// BeginProcessing marks a message as held. The idle clock stops while set.
func (s *State) BeginProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = true
	s.lastActivity = s.now()
}

// EndProcessing clears the processing flag and resets the idle clock.
// Called after the message has been acknowledged.
func (s *State) EndProcessing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.lastActivity = s.now()
}

// Touch resets the idle clock without changing the processing flag.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// Processing reports whether a message is currently held.
func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// IdleFor returns how long the worker has been idle, or zero while processing.
func (s *State) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return 0
	}
	return s.now().Sub(s.lastActivity)
}

// Shutdown sets the global shutdown flag. Loops observe it on their next poll.
func (s *State) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
}

// ShuttingDown reports whether Shutdown has been called.
func (s *State) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Snapshot returns a copy of all fields.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		LastActivity: s.lastActivity,
		Processing:   s.processing,
		ShuttingDown: s.shuttingDown,
	}
}
