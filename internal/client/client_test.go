package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/bus"
	"github.com/vigil-daemon/vigil/internal/wire"
)

// testDaemon wraps a real socket server so client tests exercise the
// actual wire path end to end.
type testDaemon struct {
	path     string
	b        *bus.Broadcaster
	srv      *bus.Server
	seq      atomic.Uint64
	stopOnce sync.Once
}

func startDaemon(t *testing.T, path string, setup func(*testDaemon)) *testDaemon {
	t.Helper()
	d := &testDaemon{path: path, b: bus.NewBroadcaster(0)}
	d.b.SetStatusSource(func() activity.Status {
		return activity.Status{
			State:            activity.Active,
			Seq:              d.seq.Load(),
			LastTransitionAt: time.Now(),
		}
	})
	d.srv = bus.NewServer(path, d.b)
	if setup != nil {
		setup(d)
	}
	if err := d.srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { d.stop("test over") })
	return d
}

func (d *testDaemon) stop(reason string) {
	d.stopOnce.Do(func() { d.srv.Stop(reason, time.Second) })
}

// publish emits a transition and keeps the status source in step with
// it, the way the aggregator does.
func (d *testDaemon) publish(seq uint64) {
	st := activity.Idle
	if seq%2 == 1 {
		st = activity.Active
	}
	d.seq.Store(seq)
	d.b.Publish(activity.Transition{Seq: seq, State: st, At: time.Now()})
}

func waitForSubscribers(t *testing.T, b *bus.Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count never reached %d (have %d)", want, b.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stubServer runs a hand-scripted peer for frame sequences a real
// server will not produce on demand. script runs once per connection,
// after the handshake has been read.
func stubServer(t *testing.T, script func(conn net.Conn, hs wire.Handshake)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				env, err := wire.ReadFrame(conn)
				if err != nil {
					return
				}
				var hs wire.Handshake
				if env.Kind != wire.KindHandshake || env.Decode(&hs) != nil {
					return
				}
				script(conn, hs)
			}()
		}
	}()
	return path
}

// hold blocks until the peer hangs up, keeping the scripted connection
// alive without sending anything further.
func hold(conn net.Conn) {
	buf := make([]byte, 1)
	conn.Read(buf)
}

func nextEvent(t *testing.T, events <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed while waiting")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
	}
	return Event{}
}

func expectSnapshotEvent(t *testing.T, events <-chan Event) wire.Snapshot {
	t.Helper()
	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != EventSnapshot {
		t.Fatalf("got event kind %d, want snapshot", ev.Kind)
	}
	return ev.Snapshot
}

func expectTransitionEvent(t *testing.T, events <-chan Event, seq uint64) {
	t.Helper()
	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != EventTransition {
		t.Fatalf("got event kind %d, want transition", ev.Kind)
	}
	if ev.Transition.Seq != seq {
		t.Fatalf("got transition seq %d, want %d", ev.Transition.Seq, seq)
	}
}

func expectClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("got event kind %d after expected close", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event channel not closed")
	}
}

func TestStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.sock")
	d := startDaemon(t, path, nil)
	d.seq.Store(7)

	snap, err := New(path).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != activity.Active || snap.Seq != 7 {
		t.Fatalf("got snapshot %s/%d, want active/7", snap.State, snap.Seq)
	}
}

func TestStatusDaemonDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nobody-home.sock")
	if _, err := New(path).Status(context.Background()); err == nil {
		t.Fatalf("Status succeeded with no daemon listening")
	}
}

func TestWatchStreamsTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.sock")
	d := startDaemon(t, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := New(path).Watch(ctx)

	if snap := expectSnapshotEvent(t, events); snap.Seq != 0 {
		t.Fatalf("initial snapshot seq = %d, want 0", snap.Seq)
	}
	waitForSubscribers(t, d.b, 1)

	for seq := uint64(1); seq <= 3; seq++ {
		d.publish(seq)
		expectTransitionEvent(t, events, seq)
	}

	cancel()
	expectClosed(t, events)
}

func TestWatchDropsReplayOverlap(t *testing.T) {
	// The server snapshot says seq 2; the replayed transitions 1 and 2
	// are already covered by it and must not surface as events.
	path := stubServer(t, func(conn net.Conn, hs wire.Handshake) {
		wire.WriteFrame(conn, wire.KindSnapshot, wire.Snapshot{State: activity.Idle, Seq: 2, At: time.Now()})
		for seq := uint64(1); seq <= 3; seq++ {
			wire.WriteFrame(conn, wire.KindTransition, activity.Transition{Seq: seq, State: activity.Active, At: time.Now()})
		}
		hold(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := New(path).Watch(ctx)

	if snap := expectSnapshotEvent(t, events); snap.Seq != 2 {
		t.Fatalf("snapshot seq = %d, want 2", snap.Seq)
	}
	expectTransitionEvent(t, events, 3)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event kind %d", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchReconnectsAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.sock")
	d := startDaemon(t, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := New(path).Watch(ctx)

	expectSnapshotEvent(t, events)
	waitForSubscribers(t, d.b, 1)
	d.publish(1)
	d.publish(2)
	expectTransitionEvent(t, events, 1)
	expectTransitionEvent(t, events, 2)

	d.stop("restart")

	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != EventShutdown || ev.Reason != "restart" {
		t.Fatalf("got event kind %d reason %q, want shutdown/restart", ev.Kind, ev.Reason)
	}
	if ev = nextEvent(t, events, 3*time.Second); ev.Kind != EventDisconnected {
		t.Fatalf("got event kind %d, want disconnected", ev.Kind)
	}

	// The replacement daemon starts a fresh sequence epoch. Its
	// snapshot must replace the cursor so the new epoch's transitions
	// are not mistaken for duplicates.
	d2 := startDaemon(t, path, nil)

	if snap := expectSnapshotEvent(t, events); snap.Seq != 0 {
		t.Fatalf("post-restart snapshot seq = %d, want 0", snap.Seq)
	}
	waitForSubscribers(t, d2.b, 1)
	d2.publish(1)
	d2.publish(2)
	expectTransitionEvent(t, events, 1)
	expectTransitionEvent(t, events, 2)
}

func TestWatchStopsOnProtocolMismatch(t *testing.T) {
	path := stubServer(t, func(conn net.Conn, hs wire.Handshake) {
		wire.WriteFrame(conn, wire.KindError, wire.Error{
			Kind:   wire.ErrKindProtocolMismatch,
			Detail: "server speaks protocol 99",
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := New(path).Watch(ctx)

	ev := nextEvent(t, events, 3*time.Second)
	if ev.Kind != EventDisconnected {
		t.Fatalf("got event kind %d, want disconnected", ev.Kind)
	}
	werr := new(wire.Error)
	if !errors.As(ev.Err, &werr) || werr.Kind != wire.ErrKindProtocolMismatch {
		t.Fatalf("got error %v, want protocol mismatch", ev.Err)
	}
	expectClosed(t, events)
}

func TestWatchHandshakeCarriesCursor(t *testing.T) {
	cursors := make(chan uint64, 2)
	path := stubServer(t, func(conn net.Conn, hs wire.Handshake) {
		cursors <- hs.Cursor
		wire.WriteFrame(conn, wire.KindSnapshot, wire.Snapshot{State: activity.Active, Seq: hs.Cursor, At: time.Now()})
		if hs.Cursor == 0 {
			wire.WriteFrame(conn, wire.KindTransition, activity.Transition{Seq: 5, State: activity.Idle, At: time.Now()})
			// Hang up so the client reconnects with what it saw.
			return
		}
		hold(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := New(path).Watch(ctx)

	expectSnapshotEvent(t, events)
	expectTransitionEvent(t, events, 5)

	if got := <-cursors; got != 0 {
		t.Fatalf("first handshake cursor = %d, want 0", got)
	}
	select {
	case got := <-cursors:
		if got != 5 {
			t.Fatalf("reconnect handshake cursor = %d, want 5", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("client never reconnected")
	}
}

func TestRequestShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigild.sock")
	asked := make(chan struct{}, 1)
	startDaemon(t, path, func(d *testDaemon) {
		d.srv.Handle(wire.KindShutdownRequest, func(env *wire.Envelope) (wire.Kind, any) {
			asked <- struct{}{}
			return wire.KindOK, nil
		})
	})

	if err := New(path).RequestShutdown(context.Background()); err != nil {
		t.Fatalf("RequestShutdown: %v", err)
	}
	select {
	case <-asked:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never saw the request")
	}
}

func TestTimerListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudged.sock")
	want := []wire.TimerInfo{
		{Name: "move", Elapsed: 4 * time.Minute, Interval: 10 * time.Minute},
		{Name: "stand", Elapsed: 30 * time.Minute, Interval: 45 * time.Minute, Fired: true},
	}
	startDaemon(t, path, func(d *testDaemon) {
		d.srv.Handle(wire.KindTimerListRequest, func(env *wire.Envelope) (wire.Kind, any) {
			// A transition between request and reply must not confuse
			// the caller; replies are matched by kind, not position.
			d.publish(9)
			return wire.KindTimerList, wire.TimerList{Timers: want}
		})
	})

	got, err := New(path).TimerList(context.Background())
	if err != nil {
		t.Fatalf("TimerList: %v", err)
	}
	if len(got) != 2 || got[0].Name != "move" || got[1].Name != "stand" {
		t.Fatalf("got timers %+v, want move and stand", got)
	}
	if !got[1].Fired || got[0].Interval != 10*time.Minute {
		t.Fatalf("timer fields lost in transit: %+v", got)
	}
}

func TestResetTimerUnknownSurfacesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudged.sock")
	startDaemon(t, path, func(d *testDaemon) {
		d.srv.Handle(wire.KindTimerResetRequest, func(env *wire.Envelope) (wire.Kind, any) {
			var req wire.TimerResetRequest
			if err := env.Decode(&req); err != nil {
				return wire.KindError, wire.Error{Kind: wire.ErrKindBadRequest, Detail: err.Error()}
			}
			return wire.KindError, wire.Error{Kind: wire.ErrKindUnknownTimer, Detail: "no timer named " + req.Name}
		})
	})

	err := New(path).ResetTimer(context.Background(), "hydrate")
	werr := new(wire.Error)
	if !errors.As(err, &werr) || werr.Kind != wire.ErrKindUnknownTimer {
		t.Fatalf("got error %v, want unknown_timer", err)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudged.sock")
	limits := make(chan int, 1)
	startDaemon(t, path, func(d *testDaemon) {
		d.srv.Handle(wire.KindHistoryRequest, func(env *wire.Envelope) (wire.Kind, any) {
			var req wire.HistoryRequest
			if err := env.Decode(&req); err != nil {
				return wire.KindError, wire.Error{Kind: wire.ErrKindBadRequest, Detail: err.Error()}
			}
			limits <- req.Limit
			return wire.KindHistory, wire.History{Entries: []wire.HistoryEntry{
				{Seq: 2, State: activity.Idle},
				{Seq: 1, State: activity.Active},
			}}
		})
	})

	entries, err := New(path).History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 2 {
		t.Fatalf("got entries %+v, want newest first", entries)
	}
	if got := <-limits; got != 10 {
		t.Fatalf("server saw limit %d, want 10", got)
	}
}
