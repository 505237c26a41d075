// Package mock generates synthetic input ticks so the daemon can run
// without evdev access, for demos and integration testing.
package mock

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/vigil-daemon/vigil/internal/activity"
)

// typeEvery is the base cadence of synthetic keystrokes during a
// burst; each emission is jittered and occasionally skipped so the
// stream looks like uneven human typing.
const typeEvery = 150 * time.Millisecond

// Generator alternates typing bursts and quiet gaps, feeding a tick
// funnel shaped like the device registry's.
type Generator struct {
	work   time.Duration
	rest   time.Duration
	funnel chan activity.Tick
}

// NewGenerator builds a generator that types for work, then goes
// quiet for rest, forever.
func NewGenerator(work, rest time.Duration) *Generator {
	return &Generator{
		work:   work,
		rest:   rest,
		funnel: make(chan activity.Tick, 16),
	}
}

// Ticks is the synthetic activity stream. Like the registry funnel it
// is never closed; consumers select against their own context.
func (g *Generator) Ticks() <-chan activity.Tick { return g.funnel }

// Run emits ticks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	log.Printf("[mock] generating input: %s bursts, %s gaps", g.work, g.rest)

	cycle := g.work + g.rest
	start := time.Now()
	ticker := time.NewTicker(typeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[mock] generator stopped")
			return
		case now := <-ticker.C:
			if now.Sub(start)%cycle >= g.work {
				continue
			}
			if rand.Intn(4) == 0 {
				continue
			}
			select {
			case g.funnel <- activity.Tick{Device: "mock0", At: now}:
			case <-ctx.Done():
				log.Printf("[mock] generator stopped")
				return
			}
		}
	}
}
