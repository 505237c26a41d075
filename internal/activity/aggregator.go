package activity

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sink receives every emitted Transition, in order, from the
// aggregator goroutine.
type Sink func(Transition)

// Aggregator folds the device tick funnel into the Active/Idle state
// machine. It is the sole owner and mutator of the canonical state:
// a tick while Idle flips to Active immediately, ticks while Active
// only re-arm the idle timer, and timer expiry flips back to Idle.
// Exactly one Transition is emitted per real state change.
type Aggregator struct {
	timeout time.Duration
	ticks   <-chan Tick
	sink    Sink

	mu             sync.RWMutex
	state          State
	seq            uint64
	lastTransition time.Time
	lastTick       time.Time
}

// NewAggregator builds an aggregator reading from ticks. The initial
// state is Idle with sequence 0; no transition is emitted until the
// first tick arrives. sink may be nil.
func NewAggregator(timeout time.Duration, ticks <-chan Tick, sink Sink) *Aggregator {
	return &Aggregator{
		timeout:        timeout,
		ticks:          ticks,
		sink:           sink,
		state:          Idle,
		lastTransition: time.Now(),
	}
}

// Status returns a copy of the current state.
func (a *Aggregator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		State:            a.state,
		Seq:              a.seq,
		LastTransitionAt: a.lastTransition,
		LastTickAt:       a.lastTick,
	}
}

// Run drives the state machine until ctx is cancelled. It suspends on
// whichever fires first: the next tick or the idle timer. The timer is
// a single instance re-armed on every tick, never stacked.
func (a *Aggregator) Run(ctx context.Context) {
	timer := time.NewTimer(a.timeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.ticks:
			if a.observe(tick) {
				log.Printf("[activity] active (seq %d, device %s)", a.Seq(), tick.Device)
			}
			// Re-arm: stop and drain before Reset so a concurrent
			// expiry is never left pending.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.timeout)
		case at := <-timer.C:
			if a.expire(at) {
				log.Printf("[activity] idle (seq %d, no input for %s)", a.Seq(), a.timeout)
			}
		}
	}
}

// Seq returns the sequence number of the most recent transition.
func (a *Aggregator) Seq() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.seq
}

// observe records a tick and reports whether it caused a transition.
func (a *Aggregator) observe(tick Tick) bool {
	a.mu.Lock()
	a.lastTick = tick.At
	if a.state == Active {
		a.mu.Unlock()
		return false
	}
	t := a.emitLocked(Active, tick.At)
	a.mu.Unlock()

	a.deliver(t)
	return true
}

// expire handles idle-timer expiry. The timer is only armed while
// Active, so a fire in Idle would be a drain race and is ignored.
func (a *Aggregator) expire(at time.Time) bool {
	a.mu.Lock()
	if a.state == Idle {
		a.mu.Unlock()
		return false
	}
	t := a.emitLocked(Idle, at)
	a.mu.Unlock()

	a.deliver(t)
	return true
}

func (a *Aggregator) emitLocked(s State, at time.Time) Transition {
	a.seq++
	a.state = s
	a.lastTransition = at
	return Transition{Seq: a.seq, State: s, At: at}
}

// deliver runs outside the lock so the sink may call Status without
// deadlocking.
func (a *Aggregator) deliver(t Transition) {
	if a.sink != nil {
		a.sink(t)
	}
}
