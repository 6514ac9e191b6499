package pipeline

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// watchdog is the timer bound to one stage invocation. It is not safe for
// concurrent use; the owning Signal serializes access with its mutex.
//
// Every arm bumps a generation. A timer callback that races with a re-arm or
// a stop carries a stale generation and is ignored by the Signal.
type watchdog struct {
	clock    clockwork.Clock
	timer    clockwork.Timer
	gen      uint64
	deadline time.Time
}

func (w *watchdog) arm(d time.Duration, fire func(gen uint64)) {
	w.stop()
	w.gen++
	gen := w.gen
	w.deadline = w.clock.Now().Add(d)
	w.timer = w.clock.AfterFunc(d, func() { fire(gen) })
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// current reports whether gen belongs to the armed timer.
func (w *watchdog) current(gen uint64) bool {
	return w.timer != nil && gen == w.gen
}
