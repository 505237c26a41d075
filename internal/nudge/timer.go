package nudge

import (
	"time"

	"github.com/vigil-daemon/vigil/internal/wire"
)

// Timer accumulates active time toward a reminder interval and fires
// once per arming. Not safe for concurrent use; the engine serializes
// access.
type Timer struct {
	name     string
	interval time.Duration
	elapsed  time.Duration
	fired    bool
}

func NewTimer(name string, interval time.Duration) *Timer {
	return &Timer{name: name, interval: interval}
}

func (t *Timer) Name() string {
	return t.name
}

// Advance adds active time. It reports true exactly when the timer
// reaches its interval, so the caller notifies once per arming.
func (t *Timer) Advance(d time.Duration) bool {
	t.elapsed += d
	if !t.fired && t.elapsed >= t.interval {
		t.fired = true
		return true
	}
	return false
}

// Reset zeroes the clock and re-arms the timer.
func (t *Timer) Reset() {
	t.elapsed = 0
	t.fired = false
}

func (t *Timer) Info(paused bool) wire.TimerInfo {
	return wire.TimerInfo{
		Name:     t.name,
		Elapsed:  t.elapsed,
		Interval: t.interval,
		Fired:    t.fired,
		Paused:   paused,
	}
}
