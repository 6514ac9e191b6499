package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Signal is the completion handle passed to a running stage. It is one-shot:
// the first of Done, a watchdog fire, or a stage failure decides the outcome
// and every later event is reported and ignored.
//
// Done and Extend are safe to call from any goroutine.
type Signal struct {
	label    string
	extended time.Duration
	report   func(level slog.Level, msg string, attrs ...slog.Attr)

	mu         sync.Mutex
	dog        watchdog
	resolved   bool
	cause      Cause
	extendUsed bool

	result chan Outcome
}

func newSignal(label string, clock clockwork.Clock, extended time.Duration, report func(slog.Level, string, ...slog.Attr)) *Signal {
	return &Signal{
		label:    label,
		extended: extended,
		report:   report,
		dog:      watchdog{clock: clock},
		result:   make(chan Outcome, 1),
	}
}

// Label returns the diagnostic label of the stage this signal belongs to.
func (s *Signal) Label() string {
	return s.label
}

// Deadline returns the instant the active watchdog fires.
func (s *Signal) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dog.deadline
}

// Done marks the stage complete. Calling it after the stage resolved (the
// watchdog fired, the stage failed, or Done was already called) has no effect.
func (s *Signal) Done() {
	if s.resolve(Continue, CauseDone) {
		return
	}
	s.report(slog.LevelWarn, "Done called after the stage already resolved",
		slog.String("cause", string(s.resolvedCause())))
}

// Extend replaces the pending watchdog with one running for the extended
// budget, measured from now. It takes effect once per stage invocation.
func (s *Signal) Extend() {
	s.mu.Lock()
	if s.resolved {
		cause := s.cause
		s.mu.Unlock()
		s.report(slog.LevelWarn, "Extend not effective, stage already resolved",
			slog.String("cause", string(cause)))
		return
	}
	if s.extendUsed {
		s.mu.Unlock()
		s.report(slog.LevelWarn, "Extend already used for this stage")
		return
	}
	s.extendUsed = true
	s.dog.arm(s.extended, s.expire)
	s.mu.Unlock()
}

func (s *Signal) start(budget time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dog.arm(budget, s.expire)
}

func (s *Signal) expire(gen uint64) {
	s.mu.Lock()
	if s.resolved || !s.dog.current(gen) {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.cause = CauseTimeout
	s.dog.timer = nil
	extended := s.extendUsed
	s.mu.Unlock()

	s.report(slog.LevelError, "stage ended prematurely with watchdog timeout, possibly missing Done",
		slog.Bool("extended", extended))
	s.result <- Abort
}

// resolve settles the signal if nobody else has. It reports whether this
// call decided the outcome.
func (s *Signal) resolve(o Outcome, cause Cause) bool {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.resolved = true
	s.cause = cause
	s.dog.stop()
	s.mu.Unlock()

	s.result <- o
	return true
}

func (s *Signal) resolvedCause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}
