// Package bus is the IPC server side: it fans transitions out to
// subscribed clients over unix-socket connections, keeps a ring of
// recent transitions for reconnect replay, and disconnects subscribers
// that cannot keep up rather than buffering without bound.
package bus

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/wire"
)

// ringSize is how many recent transitions are kept for replay to
// reconnecting subscribers. Anyone further behind is resynced with a
// snapshot instead.
const ringSize = 64

// sendBuf is the per-subscriber outbound queue, in frames. It exceeds
// ringSize so a snapshot plus a full replay always fits into a fresh
// queue; overflow during live traffic means the subscriber is stuck
// and gets disconnected. Var so tests can shrink it.
var sendBuf = 128

// writeWait bounds a single frame write; finalWait bounds the courtesy
// notice written after the queue is drained on disconnect.
const (
	writeWait = 10 * time.Second
	finalWait = 2 * time.Second
)

var (
	ErrShuttingDown       = errors.New("bus: shutting down")
	ErrTooManySubscribers = errors.New("bus: subscriber limit reached")
)

// subscriber is one connected session. All sends into send, and its
// close, happen under the broadcaster lock; the writePump goroutine is
// the only reader and the only writer to the connection.
type subscriber struct {
	id   string
	conn net.Conn
	send chan []byte

	closeOnce sync.Once
	// final is written after the queue drains, carrying the reason for
	// the disconnect (shutdown notice, overrun error). Set before send
	// is closed, read by writePump after the range ends, so the channel
	// close orders the access.
	final []byte
	done  chan struct{}
}

func newSubscriber(conn net.Conn) *subscriber {
	s := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuf),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *subscriber) writePump() {
	defer close(s.done)
	defer s.conn.Close()
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := s.conn.Write(msg); err != nil {
			return
		}
	}
	if s.final != nil {
		s.conn.SetWriteDeadline(time.Now().Add(finalWait))
		s.conn.Write(s.final)
	}
}

// close parks the final frame and closes the queue. Callers must hold
// the broadcaster lock.
func (s *subscriber) close(final []byte) {
	s.closeOnce.Do(func() {
		s.final = final
		close(s.send)
	})
}

// Broadcaster owns the subscriber set and the transition ring. All
// mutation happens under mu, including every channel send, so the
// order subscribers see frames in is the publish order.
type Broadcaster struct {
	maxSubs int

	mu       sync.Mutex
	subs     map[*subscriber]bool
	ring     []activity.Transition
	statusFn func() activity.Status
	shutting bool
}

// NewBroadcaster creates a broadcaster allowing at most maxSubs
// concurrent subscribers; 0 means unlimited.
func NewBroadcaster(maxSubs int) *Broadcaster {
	return &Broadcaster{
		maxSubs: maxSubs,
		subs:    make(map[*subscriber]bool),
	}
}

// SetStatusSource wires the aggregator's live status into the
// snapshots sent on attach. Must be set before the server starts
// accepting connections.
func (b *Broadcaster) SetStatusSource(fn func() activity.Status) {
	b.statusFn = fn
}

func (b *Broadcaster) status() activity.Status {
	if b.statusFn == nil {
		return activity.Status{State: activity.Idle}
	}
	return b.statusFn()
}

// Publish hands one transition to every live subscriber and records it
// in the replay ring. A subscriber whose queue is full is disconnected
// with a buffer_overrun notice; everyone else is unaffected.
func (b *Broadcaster) Publish(t activity.Transition) {
	frame, err := wire.EncodeFrame(wire.KindTransition, t)
	if err != nil {
		log.Printf("[bus] encode transition %d: %v", t.Seq, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = append(b.ring, t)
	if len(b.ring) > ringSize {
		b.ring = b.ring[1:]
	}

	var stuck []*subscriber
	for s := range b.subs {
		select {
		case s.send <- frame:
		default:
			stuck = append(stuck, s)
		}
	}
	for _, s := range stuck {
		log.Printf("[bus] subscriber %s too slow, disconnecting", s.id)
		b.removeLocked(s, errorFrame(wire.ErrKindBufferOverrun,
			"queue overflow: transitions outpaced your reads"))
	}
}

// Attach registers a new subscriber and queues its initial frames: a
// snapshot of the current state, then, when the ring still covers the
// client's cursor, the transitions it missed. A cursor the ring no
// longer covers gets the snapshot alone; the snapshot is the resync.
func (b *Broadcaster) Attach(conn net.Conn, cursor uint64) (*subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutting {
		return nil, ErrShuttingDown
	}
	if b.maxSubs > 0 && len(b.subs) >= b.maxSubs {
		return nil, ErrTooManySubscribers
	}

	snap := b.status()
	snapFrame, err := wire.EncodeFrame(wire.KindSnapshot, wire.Snapshot{
		State:      snap.State,
		Seq:        snap.Seq,
		At:         snap.LastTransitionAt,
		LastTickAt: snap.LastTickAt,
	})
	if err != nil {
		return nil, err
	}

	s := newSubscriber(conn)
	b.subs[s] = true
	s.send <- snapFrame
	replayed := 0
	for _, t := range b.replayLocked(cursor) {
		frame, err := wire.EncodeFrame(wire.KindTransition, t)
		if err != nil {
			log.Printf("[bus] encode replay %d: %v", t.Seq, err)
			continue
		}
		s.send <- frame
		replayed++
	}
	log.Printf("[bus] subscriber %s attached (cursor %d, seq %d, replayed %d, %d connected)",
		s.id, cursor, snap.Seq, replayed, len(b.subs))
	return s, nil
}

// replayLocked returns the ring entries after cursor, or nothing when
// the client is fresh (cursor 0) or the ring no longer reaches back to
// cursor+1 (the caller falls back to snapshot resync).
func (b *Broadcaster) replayLocked(cursor uint64) []activity.Transition {
	if cursor == 0 || len(b.ring) == 0 {
		return nil
	}
	if b.ring[0].Seq > cursor+1 {
		return nil
	}
	for i, t := range b.ring {
		if t.Seq > cursor {
			return b.ring[i:]
		}
	}
	return nil
}

// Reply enqueues a response frame on the subscriber's ordered queue,
// so request replies interleave correctly with the transition stream.
func (b *Broadcaster) Reply(s *subscriber, frame []byte) {
	if frame == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.subs[s] {
		return
	}
	select {
	case s.send <- frame:
	default:
		log.Printf("[bus] subscriber %s too slow, disconnecting", s.id)
		b.removeLocked(s, errorFrame(wire.ErrKindBufferOverrun,
			"queue overflow: replies outpaced your reads"))
	}
}

// Remove detaches a subscriber after its reader saw a disconnect. The
// queue is drained and the connection closed; no notice is sent.
func (b *Broadcaster) Remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s, nil)
}

func (b *Broadcaster) removeLocked(s *subscriber, final []byte) {
	if !b.subs[s] {
		return
	}
	delete(b.subs, s)
	s.close(final)
}

// SubscriberCount reports the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Shutdown refuses new attaches, queues a shutdown notice to every
// subscriber, and waits up to grace for the queues to drain. Whoever
// has not finished by then has their connection closed under them.
func (b *Broadcaster) Shutdown(reason string, grace time.Duration) {
	frame, err := wire.EncodeFrame(wire.KindShutdown, wire.Shutdown{Reason: reason})
	if err != nil {
		log.Printf("[bus] encode shutdown notice: %v", err)
	}

	b.mu.Lock()
	b.shutting = true
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscriber]bool)
	for _, s := range subs {
		s.close(frame)
	}
	b.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false
	for _, s := range subs {
		if !expired {
			select {
			case <-s.done:
				continue
			case <-timer.C:
				expired = true
			}
		}
		// Grace expired: pull the connection out from under the pump.
		s.conn.Close()
		<-s.done
	}
	if len(subs) > 0 {
		log.Printf("[bus] notified %d subscribers: %s", len(subs), reason)
	}
}

func errorFrame(kind, detail string) []byte {
	frame, err := wire.EncodeFrame(wire.KindError, wire.Error{Kind: kind, Detail: detail})
	if err != nil {
		log.Printf("[bus] encode %s error frame: %v", kind, err)
		return nil
	}
	return frame
}
