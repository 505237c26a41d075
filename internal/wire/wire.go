// Package wire defines the framed binary protocol spoken over the
// daemon sockets: length-prefixed frames carrying a self-describing
// CBOR envelope of {kind, body}.
package wire

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vigil-daemon/vigil/internal/activity"
)

// ProtocolVersion is advertised in the handshake. The server refuses
// clients advertising a version it does not support.
const ProtocolVersion = 1

type Kind string

const (
	KindHandshake  Kind = "handshake"
	KindSnapshot   Kind = "snapshot"
	KindTransition Kind = "transition"
	KindShutdown   Kind = "shutdown"
	KindError      Kind = "error"

	// Control round-trips used by the CLI.
	KindShutdownRequest   Kind = "shutdown_request"
	KindTimerListRequest  Kind = "timer_list_request"
	KindTimerList         Kind = "timer_list"
	KindTimerResetRequest Kind = "timer_reset_request"
	KindHistoryRequest    Kind = "history_request"
	KindHistory           Kind = "history"
	KindOK                Kind = "ok"
)

// Envelope is the frame payload: the kind names the body type.
type Envelope struct {
	Kind Kind            `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// Handshake opens every connection. Cursor, when non-zero, is the last
// transition sequence the client saw; the server replays newer
// transitions from its ring when it still has them.
type Handshake struct {
	Version int    `cbor:"version"`
	Cursor  uint64 `cbor:"cursor,omitempty"`
}

// Snapshot is the point-in-time state sent to every new connection in
// lieu of full history replay.
type Snapshot struct {
	State      activity.State `cbor:"state" json:"state"`
	Seq        uint64         `cbor:"seq" json:"seq"`
	At         time.Time      `cbor:"at" json:"at"`
	LastTickAt time.Time      `cbor:"last_tick_at" json:"lastTickAt"`
}

// Shutdown announces an orderly server stop to a connected session.
type Shutdown struct {
	Reason string `cbor:"reason"`
}

// Error kinds carried in error frames.
const (
	ErrKindProtocolMismatch   = "protocol_mismatch"
	ErrKindBufferOverrun      = "buffer_overrun"
	ErrKindShutdownInProgress = "shutdown_in_progress"
	ErrKindSubscriberLimit    = "subscriber_limit"
	ErrKindBadRequest         = "bad_request"
	ErrKindUnknownTimer       = "unknown_timer"
)

// Error is both the error frame body and the Go error surfaced by
// clients when the peer refuses a request.
type Error struct {
	Kind   string `cbor:"kind"`
	Detail string `cbor:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// TimerInfo describes one reminder timer.
type TimerInfo struct {
	Name     string        `cbor:"name" json:"name"`
	Elapsed  time.Duration `cbor:"elapsed" json:"elapsed"`
	Interval time.Duration `cbor:"interval" json:"interval"`
	Fired    bool          `cbor:"fired" json:"fired"`
	Paused   bool          `cbor:"paused" json:"paused"`
}

type TimerList struct {
	Timers []TimerInfo `cbor:"timers"`
}

type TimerResetRequest struct {
	Name string `cbor:"name,omitempty"`
	All  bool   `cbor:"all,omitempty"`
}

type HistoryRequest struct {
	Limit int `cbor:"limit,omitempty"`
}

// HistoryEntry is one persisted transition. RecordedAt is the local
// write time; Seq restarts with the producing daemon.
type HistoryEntry struct {
	Seq        uint64         `cbor:"seq" json:"seq"`
	State      activity.State `cbor:"state" json:"state"`
	At         time.Time      `cbor:"at" json:"at"`
	RecordedAt time.Time      `cbor:"recorded_at" json:"recordedAt"`
}

type History struct {
	Entries []HistoryEntry `cbor:"entries"`
}

// Time encodes as epoch microseconds so transitions keep sub-second
// precision across the wire.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeUnixMicro}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewEnvelope marshals body under the given kind. body may be nil for
// kinds with no payload.
func NewEnvelope(kind Kind, body any) (*Envelope, error) {
	env := &Envelope{Kind: kind}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", kind, err)
		}
		env.Body = raw
	}
	return env, nil
}

// Decode unmarshals the envelope body into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s frame has no body", e.Kind)
	}
	if err := cbor.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}
