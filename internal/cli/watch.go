package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vigil-daemon/vigil/internal/client"
)

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "One JSON object per line")
	rootCmd.AddCommand(watchCmd)
}

var watchJSON bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream activity transitions until interrupted",
	RunE:  runWatch,
}

// watchEvent is the JSON line format. Optional fields are pointers so
// a shutdown line does not carry a fake seq.
type watchEvent struct {
	Event  string     `json:"event"`
	State  string     `json:"state,omitempty"`
	Seq    *uint64    `json:"seq,omitempty"`
	At     *time.Time `json:"at,omitempty"`
	Reason string     `json:"reason,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, _, err := vigildClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	var lastErr error

	for ev := range c.Watch(ctx) {
		switch ev.Kind {
		case client.EventSnapshot:
			at := ev.Snapshot.At
			if at.IsZero() {
				at = time.Now()
			}
			if watchJSON {
				seq := ev.Snapshot.Seq
				enc.Encode(watchEvent{Event: "sync", State: ev.Snapshot.State.String(), Seq: &seq, At: &at})
			} else {
				fmt.Printf("%s  %-6s  seq=%d  (sync)\n", at.Format("15:04:05"), ev.Snapshot.State, ev.Snapshot.Seq)
			}
		case client.EventTransition:
			if watchJSON {
				seq := ev.Transition.Seq
				at := ev.Transition.At
				enc.Encode(watchEvent{Event: "transition", State: ev.Transition.State.String(), Seq: &seq, At: &at})
			} else {
				fmt.Printf("%s  %-6s  seq=%d\n", ev.Transition.At.Format("15:04:05"), ev.Transition.State, ev.Transition.Seq)
			}
		case client.EventShutdown:
			if watchJSON {
				enc.Encode(watchEvent{Event: "shutdown", Reason: ev.Reason})
			} else {
				fmt.Fprintf(os.Stderr, "vigild shutting down: %s\n", ev.Reason)
			}
		case client.EventDisconnected:
			lastErr = ev.Err
			if watchJSON {
				enc.Encode(watchEvent{Event: "disconnected", Error: ev.Err.Error()})
			} else {
				fmt.Fprintf(os.Stderr, "disconnected: %v (retrying)\n", ev.Err)
			}
		}
	}

	// The stream only ends on interrupt or on an unrecoverable error
	// like a protocol version mismatch.
	if ctx.Err() == nil && lastErr != nil {
		return lastErr
	}
	return nil
}
