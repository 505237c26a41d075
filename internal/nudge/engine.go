// Package nudge runs the reminder timers: they accumulate active time,
// pause over long idle stretches, reset after a real break, and notify
// when an interval is up.
package nudge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/client"
	"github.com/vigil-daemon/vigil/internal/config"
	"github.com/vigil-daemon/vigil/internal/history"
	"github.com/vigil-daemon/vigil/internal/wire"
)

// heartbeat is how often timers advance. Var so tests can shrink it.
var heartbeat = time.Second

// notifyBurst is how many notifications may fire back to back before
// the rate limit kicks in.
const notifyBurst = 3

// ErrUnknownTimer is returned for reset requests naming no timer.
var ErrUnknownTimer = errors.New("unknown timer")

// Notifier delivers one desktop notification.
type Notifier interface {
	Notify(summary, body string) error
}

// Engine drives the timers from the activity stream plus a heartbeat.
type Engine struct {
	pause time.Duration
	reset time.Duration

	notifier Notifier       // nil disables notifications
	limiter  *Limiter
	store    *history.Store // nil disables persistence

	mu       sync.Mutex
	timers   []*Timer
	state    activity.State
	stateAt  time.Time
	seq      uint64
	lastBeat time.Time
}

// NewEngine builds the timer set from config. The engine assumes idle
// until the first snapshot arrives.
func NewEngine(cfg config.NudgeConfig, notifier Notifier, store *history.Store) *Engine {
	names := make([]string, 0, len(cfg.Timers))
	for name := range cfg.Timers {
		names = append(names, name)
	}
	sort.Strings(names)

	timers := make([]*Timer, 0, len(names))
	for _, name := range names {
		timers = append(timers, NewTimer(name, cfg.Timers[name].Duration()))
	}

	now := time.Now()
	return &Engine{
		pause:    cfg.Inactivity.Pause.Duration(),
		reset:    cfg.Inactivity.Reset.Duration(),
		notifier: notifier,
		limiter:  NewLimiter(notifyBurst, cfg.Notify.MinInterval.Duration()),
		store:    store,
		timers:   timers,
		state:    activity.Idle,
		stateAt:  now,
		lastBeat: now,
	}
}

// Run drives the engine until ctx is cancelled. events is typically
// client.Watch; when the stream ends the timers keep running on the
// last known state.
func (e *Engine) Run(ctx context.Context, events <-chan client.Event) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Printf("[nudge] activity stream ended; timers continue on last known state")
				events = nil
				continue
			}
			e.handleEvent(ev)
		case now := <-ticker.C:
			e.beat(now)
		}
	}
}

func (e *Engine) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventSnapshot:
		e.mu.Lock()
		e.state = ev.Snapshot.State
		e.stateAt = ev.Snapshot.At
		e.seq = ev.Snapshot.Seq
		if e.stateAt.IsZero() {
			// A daemon that has seen no transition yet reports a zero
			// timestamp; count its state from now.
			e.stateAt = time.Now()
		}
		e.mu.Unlock()
		log.Printf("[nudge] synced: %s since %s", ev.Snapshot.State, e.stateAt.Format(time.TimeOnly))

	case client.EventTransition:
		e.mu.Lock()
		e.state = ev.Transition.State
		e.stateAt = ev.Transition.At
		e.seq = ev.Transition.Seq
		e.mu.Unlock()
		if e.store != nil {
			if err := e.store.Append(ev.Transition); err != nil {
				log.Printf("[nudge] history: %v", err)
			}
		}

	case client.EventShutdown:
		log.Printf("[nudge] activity daemon shutting down: %s", ev.Reason)

	case client.EventDisconnected:
		log.Printf("[nudge] activity stream lost: %v", ev.Err)
	}
}

// beat advances the clocks by the real time since the previous beat.
func (e *Engine) beat(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta := now.Sub(e.lastBeat)
	e.lastBeat = now
	if delta <= 0 {
		return
	}

	// A delta spanning the reset threshold means the machine slept
	// through the heartbeats; a sleep that long is a completed break.
	if delta >= e.reset {
		e.resetAllLocked("suspend")
		return
	}

	var idleFor time.Duration
	if e.state == activity.Idle {
		idleFor = now.Sub(e.stateAt)
	}
	if idleFor >= e.reset {
		e.resetAllLocked("inactivity")
		return
	}
	if e.state == activity.Idle && idleFor > e.pause {
		return
	}

	for _, t := range e.timers {
		if t.Advance(delta) {
			log.Printf("[nudge] timer %s went off after %s", t.name, t.interval)
			e.notifyLocked(t)
		}
	}
}

func (e *Engine) resetAllLocked(cause string) {
	armed := false
	for _, t := range e.timers {
		if t.elapsed > 0 || t.fired {
			armed = true
		}
		t.Reset()
	}
	if armed {
		log.Printf("[nudge] timers reset (%s)", cause)
	}
}

func (e *Engine) notifyLocked(t *Timer) {
	if e.notifier == nil {
		return
	}
	if !e.limiter.Allow() {
		log.Printf("[nudge] notification for %s suppressed by rate limit", t.name)
		return
	}
	summary := fmt.Sprintf("Timer %s went off", t.name)
	go func() {
		if err := e.notifier.Notify(summary, "Time to take a break!"); err != nil {
			log.Printf("[nudge] notify: %v", err)
		}
	}()
}

func (e *Engine) pausedLocked(now time.Time) bool {
	return e.state == activity.Idle && now.Sub(e.stateAt) > e.pause
}

// Status is the engine's mirror of the detector state, served to
// clients that attach to the nudge socket.
func (e *Engine) Status() activity.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return activity.Status{
		State:            e.state,
		Seq:              e.seq,
		LastTransitionAt: e.stateAt,
	}
}

// Timers lists the reminder timers in name order.
func (e *Engine) Timers() []wire.TimerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	paused := e.pausedLocked(time.Now())
	out := make([]wire.TimerInfo, 0, len(e.timers))
	for _, t := range e.timers {
		out = append(out, t.Info(paused))
	}
	return out
}

// ResetTimer re-arms one timer by name.
func (e *Engine) ResetTimer(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.timers {
		if t.name == name {
			t.Reset()
			log.Printf("[nudge] timer %s reset by request", name)
			return nil
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownTimer, name)
}

// ResetAllTimers re-arms every timer.
func (e *Engine) ResetAllTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetAllLocked("request")
}
