package mock

import (
	"context"
	"testing"
	"time"
)

func TestGeneratorEmitsDuringBurst(t *testing.T) {
	g := NewGenerator(time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	// The first minute of the cycle is a typing burst; at the base
	// cadence a tick must show up well within two seconds even with
	// skip jitter.
	select {
	case tick := <-g.Ticks():
		if tick.Device != "mock0" {
			t.Errorf("tick device = %q, want mock0", tick.Device)
		}
		if tick.At.IsZero() {
			t.Error("tick carries no timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no synthetic tick during a typing burst")
	}
}

func TestGeneratorStopsOnCancel(t *testing.T) {
	g := NewGenerator(time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGeneratorQuietDuringGap(t *testing.T) {
	// A zero-length burst makes every instant part of the gap.
	g := NewGenerator(0, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	select {
	case tick := <-g.Ticks():
		t.Fatalf("unexpected tick %v during the quiet gap", tick)
	case <-time.After(500 * time.Millisecond):
	}
}
