package cli

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vigil-daemon/vigil/internal/wire"
)

func init() {
	barCmd.Flags().BoolVar(&barMeter, "meter", false, "Render the timer as a block meter instead of elapsed/interval")
	barCmd.Flags().IntVar(&barSize, "size", 16, "Meter width in characters")
	barCmd.Flags().StringVar(&barFill, "fill", "█", "Meter fill character")
	barCmd.Flags().StringVar(&barEmpty, "empty", "░", "Meter empty character")
	rootCmd.AddCommand(barCmd)
}

var (
	barMeter bool
	barSize  int
	barFill  string
	barEmpty string
)

var barCmd = &cobra.Command{
	Use:   "bar [timer]",
	Short: "One-line output for waybar or polybar",
	Long: `Prints the activity glyph plus one reminder timer, on a single line.
With no argument the timer closest to its interval is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBar,
}

func runBar(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	vc, sock, err := vigildClient()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	snap, err := vc.Status(ctx)
	if err != nil {
		return fmt.Errorf("vigild at %s: %w", sock, err)
	}
	out := stateGlyph(snap.State)

	// nudged is optional unless a timer was asked for by name; the
	// bar still shows activity state when the reminder daemon is down.
	ti, ok, err := barTimer(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		if barMeter {
			out += " " + meter(ti, barSize, barFill, barEmpty)
		} else {
			out += fmt.Sprintf(" %s/%s", clock(ti.Elapsed), clock(ti.Interval))
		}
	}

	fmt.Println(out)
	return nil
}

// barTimer fetches the timer to show. With a name the reminder daemon
// must answer; without one its absence just means no timer segment.
func barTimer(ctx context.Context, name string) (wire.TimerInfo, bool, error) {
	nc, sock, err := nudgedClient()
	if err != nil {
		if name != "" {
			return wire.TimerInfo{}, false, err
		}
		return wire.TimerInfo{}, false, nil
	}

	timers, err := nc.TimerList(ctx)
	if err != nil {
		if name != "" {
			return wire.TimerInfo{}, false, fmt.Errorf("nudged at %s: %w", sock, err)
		}
		return wire.TimerInfo{}, false, nil
	}

	if name != "" {
		for _, ti := range timers {
			if ti.Name == name {
				return ti, true, nil
			}
		}
		return wire.TimerInfo{}, false, fmt.Errorf("no timer named %q", name)
	}

	ti, ok := mostUrgent(timers)
	return ti, ok, nil
}

// mostUrgent picks the timer closest to its interval, by fraction of
// the interval elapsed.
func mostUrgent(timers []wire.TimerInfo) (wire.TimerInfo, bool) {
	var best wire.TimerInfo
	bestFrac := -1.0
	for _, ti := range timers {
		if ti.Interval <= 0 {
			continue
		}
		frac := float64(ti.Elapsed) / float64(ti.Interval)
		if frac > bestFrac {
			best, bestFrac = ti, frac
		}
	}
	return best, bestFrac >= 0
}

// meter renders elapsed progress as a fixed-width block bar, capped at
// full once the interval is reached.
func meter(ti wire.TimerInfo, size int, fill, empty string) string {
	if size < 1 {
		size = 1
	}
	frac := 0.0
	if ti.Interval > 0 {
		frac = min(float64(ti.Elapsed)/float64(ti.Interval), 1.0)
	}
	n := int(math.Round(float64(size) * frac))
	return strings.Repeat(fill, n) + strings.Repeat(empty, size-n)
}
