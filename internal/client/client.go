// Package client is the subscriber side of the daemon socket: it
// dials, handshakes, and turns the frame stream into events, hiding
// reconnects from the consumer.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/wire"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	dialTimeout        = 5 * time.Second
	writeTimeout       = 5 * time.Second
)

// EventKind discriminates the events a Watch delivers.
type EventKind int

const (
	// EventSnapshot carries the authoritative state at (re)connect.
	// It replaces, not augments, whatever the consumer believed.
	EventSnapshot EventKind = iota

	// EventTransition is one live or replayed state change, delivered
	// in sequence order, never twice.
	EventTransition

	// EventShutdown is the server's goodbye before it closes.
	EventShutdown

	// EventDisconnected reports a dropped connection. The watch keeps
	// reconnecting unless the error is a protocol mismatch.
	EventDisconnected
)

type Event struct {
	Kind       EventKind
	Snapshot   wire.Snapshot
	Transition activity.Transition
	Reason     string // EventShutdown
	Err        error  // EventDisconnected
}

// Client speaks the framed protocol to one daemon socket.
type Client struct {
	path string
}

func New(socketPath string) *Client {
	return &Client{path: socketPath}
}

// connect dials and completes the handshake, returning the connection
// and the initial snapshot. A server refusal comes back as *wire.Error.
func (c *Client) connect(ctx context.Context, cursor uint64) (net.Conn, wire.Snapshot, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, wire.Snapshot{}, fmt.Errorf("dial %s: %w", c.path, err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteFrame(conn, wire.KindHandshake, wire.Handshake{
		Version: wire.ProtocolVersion,
		Cursor:  cursor,
	}); err != nil {
		conn.Close()
		return nil, wire.Snapshot{}, err
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	env, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, wire.Snapshot{}, fmt.Errorf("handshake read: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch env.Kind {
	case wire.KindSnapshot:
		var snap wire.Snapshot
		if err := env.Decode(&snap); err != nil {
			conn.Close()
			return nil, wire.Snapshot{}, err
		}
		return conn, snap, nil
	case wire.KindError:
		werr := new(wire.Error)
		if err := env.Decode(werr); err != nil {
			conn.Close()
			return nil, wire.Snapshot{}, err
		}
		conn.Close()
		return nil, wire.Snapshot{}, werr
	default:
		conn.Close()
		return nil, wire.Snapshot{}, fmt.Errorf("unexpected %s frame during handshake", env.Kind)
	}
}

// Status fetches the current snapshot and disconnects. No retries: a
// dead daemon should surface immediately.
func (c *Client) Status(ctx context.Context) (wire.Snapshot, error) {
	conn, snap, err := c.connect(ctx, 0)
	if err != nil {
		return wire.Snapshot{}, err
	}
	conn.Close()
	return snap, nil
}

// Watch subscribes to the transition stream. Events arrive on the
// returned channel until ctx is cancelled or the server refuses the
// protocol version; the channel is closed on exit. Reconnection is
// automatic with doubling delay (1s to 30s), and the cursor carried on
// reconnect lets the server replay what was missed.
func (c *Client) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 16)
	go c.watch(ctx, events)
	return events
}

func (c *Client) watch(ctx context.Context, events chan<- Event) {
	defer close(events)

	var lastDelivered uint64
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, snap, err := c.connect(ctx, lastDelivered)
		if err != nil {
			if !c.emit(ctx, events, Event{Kind: EventDisconnected, Err: err}) {
				return
			}
			werr := new(wire.Error)
			if errors.As(err, &werr) && werr.Kind == wire.ErrKindProtocolMismatch {
				// A version skew does not heal by retrying.
				return
			}
			if !sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay

		// The snapshot replaces the consumer's state. For a first
		// connect or a daemon restart (sequence went backwards) it also
		// becomes the cursor; otherwise the cursor is left alone so a
		// replay directly after the snapshot is not mistaken for dupes.
		if lastDelivered == 0 || snap.Seq < lastDelivered {
			lastDelivered = snap.Seq
		}
		if !c.emit(ctx, events, Event{Kind: EventSnapshot, Snapshot: snap}) {
			conn.Close()
			return
		}

		lastDelivered, err = c.stream(ctx, conn, events, lastDelivered)
		conn.Close()
		if err == errWatchDone {
			return
		}
		if !c.emit(ctx, events, Event{Kind: EventDisconnected, Err: err}) {
			return
		}
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

var errWatchDone = errors.New("watch finished")

// stream consumes frames until the connection drops. It returns the
// advanced cursor and the terminal error; errWatchDone means the
// context was cancelled.
func (c *Client) stream(ctx context.Context, conn net.Conn, events chan<- Event, lastDelivered uint64) (uint64, error) {
	unblock := context.AfterFunc(ctx, func() { conn.Close() })
	defer unblock()

	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return lastDelivered, errWatchDone
			}
			return lastDelivered, err
		}

		switch env.Kind {
		case wire.KindTransition:
			var tr activity.Transition
			if err := env.Decode(&tr); err != nil {
				log.Printf("[client] bad transition frame: %v", err)
				continue
			}
			if tr.Seq <= lastDelivered {
				// Replay overlap after a reconnect.
				continue
			}
			lastDelivered = tr.Seq
			if !c.emit(ctx, events, Event{Kind: EventTransition, Transition: tr}) {
				return lastDelivered, errWatchDone
			}

		case wire.KindSnapshot:
			var snap wire.Snapshot
			if err := env.Decode(&snap); err != nil {
				log.Printf("[client] bad snapshot frame: %v", err)
				continue
			}
			if snap.Seq < lastDelivered {
				lastDelivered = snap.Seq
			}
			if !c.emit(ctx, events, Event{Kind: EventSnapshot, Snapshot: snap}) {
				return lastDelivered, errWatchDone
			}

		case wire.KindShutdown:
			var sd wire.Shutdown
			if err := env.Decode(&sd); err != nil {
				sd.Reason = "unspecified"
			}
			if !c.emit(ctx, events, Event{Kind: EventShutdown, Reason: sd.Reason}) {
				return lastDelivered, errWatchDone
			}

		case wire.KindError:
			werr := new(wire.Error)
			if err := env.Decode(werr); err != nil {
				return lastDelivered, fmt.Errorf("undecodable error frame: %w", err)
			}
			return lastDelivered, werr

		default:
			// Unknown stream frames are skipped so old clients survive
			// additive protocol growth.
		}
	}
}

func (c *Client) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// roundTrip connects, sends one request, and waits for the reply kind,
// skipping stream frames that arrive in between.
func (c *Client) roundTrip(ctx context.Context, reqKind wire.Kind, reqBody any, replyKind wire.Kind) (*wire.Envelope, error) {
	conn, _, err := c.connect(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	unblock := context.AfterFunc(ctx, func() { conn.Close() })
	defer unblock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.WriteFrame(conn, reqKind, reqBody); err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Time{})

	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("awaiting %s: %w", replyKind, err)
		}
		switch env.Kind {
		case replyKind:
			return env, nil
		case wire.KindError:
			werr := new(wire.Error)
			if err := env.Decode(werr); err != nil {
				return nil, err
			}
			return nil, werr
		case wire.KindShutdown:
			return nil, errors.New("server is shutting down")
		default:
			// Stream frames interleaved with the reply.
		}
	}
}

// RequestShutdown asks the daemon to exit and waits for the ack.
func (c *Client) RequestShutdown(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wire.KindShutdownRequest, nil, wire.KindOK)
	return err
}

// TimerList fetches the reminder timers from a nudge daemon.
func (c *Client) TimerList(ctx context.Context) ([]wire.TimerInfo, error) {
	env, err := c.roundTrip(ctx, wire.KindTimerListRequest, nil, wire.KindTimerList)
	if err != nil {
		return nil, err
	}
	var list wire.TimerList
	if err := env.Decode(&list); err != nil {
		return nil, err
	}
	return list.Timers, nil
}

// ResetTimer restarts one named reminder timer.
func (c *Client) ResetTimer(ctx context.Context, name string) error {
	_, err := c.roundTrip(ctx, wire.KindTimerResetRequest, wire.TimerResetRequest{Name: name}, wire.KindOK)
	return err
}

// ResetAllTimers restarts every reminder timer.
func (c *Client) ResetAllTimers(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wire.KindTimerResetRequest, wire.TimerResetRequest{All: true}, wire.KindOK)
	return err
}

// History fetches the most recent persisted transitions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]wire.HistoryEntry, error) {
	env, err := c.roundTrip(ctx, wire.KindHistoryRequest, wire.HistoryRequest{Limit: limit}, wire.KindHistory)
	if err != nil {
		return nil, err
	}
	var hist wire.History
	if err := env.Decode(&hist); err != nil {
		return nil, err
	}
	return hist.Entries, nil
}
