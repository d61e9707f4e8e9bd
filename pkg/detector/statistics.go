package detector

import (
	"sync"
	"time"
)

// Statistics tracks what the orchestrator has done since start. Nothing is
// persisted; the counters reset on restart.
// All methods are thread-safe and can be called concurrently.
type Statistics struct {
	mu              sync.RWMutex
	entriesSeen     int64
	failuresMatched int64
	cyclesCompleted int64
	unbindFailures  int64
	bindFailures    int64
	hookFailures    int64
	lastMatch       time.Time
	lastRecovery    time.Time
	startTime       time.Time
}

// Snapshot is a point-in-time copy of Statistics.
type Snapshot struct {
	EntriesSeen     int64
	FailuresMatched int64
	CyclesCompleted int64
	UnbindFailures  int64
	BindFailures    int64
	HookFailures    int64
	LastMatch       time.Time
	LastRecovery    time.Time
	Uptime          time.Duration
}

// NewStatistics creates a new Statistics instance with current timestamp.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

func (s *Statistics) recordEntry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entriesSeen++
}

func (s *Statistics) recordMatch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresMatched++
	s.lastMatch = at
}

func (s *Statistics) recordRecovery(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cyclesCompleted++
	s.lastRecovery = at
}

func (s *Statistics) recordUnbindFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbindFailures++
}

func (s *Statistics) recordBindFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindFailures++
}

func (s *Statistics) recordHookFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hookFailures++
}

// Snapshot returns a copy of the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		EntriesSeen:     s.entriesSeen,
		FailuresMatched: s.failuresMatched,
		CyclesCompleted: s.cyclesCompleted,
		UnbindFailures:  s.unbindFailures,
		BindFailures:    s.bindFailures,
		HookFailures:    s.hookFailures,
		LastMatch:       s.lastMatch,
		LastRecovery:    s.lastRecovery,
		Uptime:          time.Since(s.startTime),
	}
}
