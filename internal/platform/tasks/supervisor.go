// Package tasks runs background side effects (cache write-through, live
// notification fan-out) on behalf of request handlers. Failures never reach
// the caller: they are logged and recorded as dead letters that can be
// inspected later.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeadLetter records one failed background task.
type DeadLetter struct {
	Task       string    `json:"task"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Supervisor owns all fire-and-forget work in the process. Close waits for
// in-flight tasks to finish.
type Supervisor struct {
	log zerolog.Logger

	mu      sync.Mutex
	dead    []DeadLetter
	maxDead int
	closed  bool

	wg sync.WaitGroup
}

// NewSupervisor creates a Supervisor retaining at most maxDead dead letters
// (oldest dropped first). maxDead <= 0 selects a default of 128.
func NewSupervisor(log zerolog.Logger, maxDead int) *Supervisor {
	if maxDead <= 0 {
		maxDead = 128
	}
	return &Supervisor{log: log, maxDead: maxDead}
}

// Go runs fn on a new goroutine. The task name is used for logging and dead
// letters. A panic inside fn is captured as a failure, not a crash. After
// Close, Go records the task as a dead letter instead of running it.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.record(name, fmt.Errorf("supervisor closed"))
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.fail(name, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(context.Background()); err != nil {
			s.fail(name, err)
		}
	}()
}

func (s *Supervisor) fail(name string, err error) {
	s.log.Error().Str("task", name).Err(err).Msg("background task failed")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(name, err)
}

// record appends a dead letter; callers must hold s.mu.
func (s *Supervisor) record(name string, err error) {
	s.dead = append(s.dead, DeadLetter{Task: name, Error: err.Error(), OccurredAt: time.Now()})
	if len(s.dead) > s.maxDead {
		s.dead = s.dead[len(s.dead)-s.maxDead:]
	}
}

// DeadLetters returns a copy of the recorded failures.
func (s *Supervisor) DeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out
}

// Wait blocks until all in-flight tasks complete. Used by tests and Close.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close stops accepting new tasks and waits for in-flight ones.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
