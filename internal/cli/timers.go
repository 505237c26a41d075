package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vigil-daemon/vigil/internal/wire"
)

func init() {
	rootCmd.AddCommand(timersCmd)
}

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "List nudged reminder timers",
	RunE:  runTimers,
}

func runTimers(cmd *cobra.Command, args []string) error {
	c, sock, err := nudgedClient()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	timers, err := c.TimerList(ctx)
	if err != nil {
		return fmt.Errorf("nudged at %s: %w", sock, err)
	}
	if len(timers) == 0 {
		fmt.Println("No reminder timers configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tELAPSED\tINTERVAL\tSTATUS")
	for _, ti := range timers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ti.Name, clock(ti.Elapsed), clock(ti.Interval), timerStatus(ti))
	}
	return w.Flush()
}

func timerStatus(ti wire.TimerInfo) string {
	switch {
	case ti.Paused:
		return "paused"
	case ti.Fired:
		return "fired"
	default:
		return "running"
	}
}
