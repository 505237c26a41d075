// Package lifecycle sequences daemon shutdown. Stages stop in
// registration order under one grace deadline, triggered exactly once
// by a signal or a client request.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// StopFunc stops one component. The context carries the shutdown
// deadline; a stage that cannot finish in time should bail out.
type StopFunc func(ctx context.Context)

type stage struct {
	name string
	stop StopFunc
}

// Manager owns the shutdown order of a daemon's components.
type Manager struct {
	grace time.Duration

	mu     sync.Mutex
	stages []stage
	reason string

	once sync.Once
	done chan struct{}
}

func New(grace time.Duration) *Manager {
	return &Manager{grace: grace, done: make(chan struct{})}
}

// Register appends a shutdown stage. Stages run in registration order,
// so producers go before the components that drain them.
func (m *Manager) Register(name string, stop StopFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage{name: name, stop: stop})
}

// Shutdown runs every stage in order, then closes Done. Only the first
// call does anything; concurrent callers block until it finishes. A
// stage that outlives the grace deadline is abandoned, not waited for.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.mu.Lock()
		m.reason = reason
		stages := append([]stage(nil), m.stages...)
		m.mu.Unlock()

		log.Printf("[lifecycle] shutting down: %s", reason)
		ctx, cancel := context.WithTimeout(context.Background(), m.grace)
		defer cancel()

		for _, st := range stages {
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				st.stop(ctx)
			}()
			select {
			case <-finished:
				log.Printf("[lifecycle] stopped %s", st.name)
			case <-ctx.Done():
				log.Printf("[lifecycle] gave up waiting for %s", st.name)
			}
		}
		close(m.done)
	})
}

// Go starts run on its own goroutine and returns a StopFunc that
// cancels it and waits, within the shutdown grace, for it to return.
// It is the standard way to register a long-running loop as a stage.
func Go(run func(ctx context.Context)) StopFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()
	return func(grace context.Context) {
		cancel()
		select {
		case <-done:
		case <-grace.Done():
		}
	}
}

// Reason reports what triggered the shutdown. Empty until Shutdown is
// called.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Done is closed once every stage has stopped or been abandoned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
