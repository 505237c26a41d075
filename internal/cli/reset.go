package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "Reset every timer")
	rootCmd.AddCommand(resetCmd)
}

var resetAll bool

var resetCmd = &cobra.Command{
	Use:   "reset [timer]",
	Short: "Reset a reminder timer (or all of them)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	if resetAll && len(args) > 0 {
		return fmt.Errorf("pass a timer name or --all, not both")
	}
	if !resetAll && len(args) == 0 {
		return fmt.Errorf("name a timer to reset, or pass --all")
	}

	c, sock, err := nudgedClient()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	if resetAll {
		if err := c.ResetAllTimers(ctx); err != nil {
			return fmt.Errorf("nudged at %s: %w", sock, err)
		}
		fmt.Println("Reset all timers.")
		return nil
	}

	if err := c.ResetTimer(ctx, args[0]); err != nil {
		return fmt.Errorf("nudged at %s: %w", sock, err)
	}
	fmt.Printf("Reset timer %s.\n", args[0])
	return nil
}
