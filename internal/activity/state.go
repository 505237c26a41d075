package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// State is the canonical user-presence state.
type State int

const (
	Idle State = iota
	Active
)

var stateNames = map[State]string{
	Idle:   "idle",
	Active: "active",
}

var stateFromName = map[string]State{
	"idle":   Idle,
	"active": Active,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// StateFromName maps a wire/storage name back to a State.
func StateFromName(name string) (State, bool) {
	s, ok := stateFromName[name]
	return s, ok
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// States travel as names, not ints, so the wire encoding stays
// self-describing.
func (s State) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(s.String())
}

func (s *State) UnmarshalCBOR(data []byte) error {
	var name string
	if err := cbor.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := stateFromName[name]
	if !ok {
		return fmt.Errorf("unknown state %q", name)
	}
	*s = v
	return nil
}

// Tick is a single raw indication of user input from one device. It
// carries no payload semantics beyond "input happened".
type Tick struct {
	Device string
	At     time.Time
}

// Transition is a recorded change of the canonical state. Seq is
// strictly increasing and gapless for the lifetime of the daemon.
type Transition struct {
	Seq   uint64    `json:"seq" cbor:"seq"`
	State State     `json:"state" cbor:"state"`
	At    time.Time `json:"at" cbor:"at"`
}

// Status is a read-only snapshot of the aggregator's state.
type Status struct {
	State            State     `json:"state"`
	Seq              uint64    `json:"seq"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
	LastTickAt       time.Time `json:"lastTickAt,omitempty"`
}
