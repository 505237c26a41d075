package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownNudged, "nudged", false, "Shut down nudged instead of vigild")
	rootCmd.AddCommand(shutdownCmd)
}

var shutdownNudged bool

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a daemon to shut down cleanly",
	RunE:  runShutdown,
}

func runShutdown(cmd *cobra.Command, args []string) error {
	target := "vigild"
	connect := vigildClient
	if shutdownNudged {
		target = "nudged"
		connect = nudgedClient
	}

	c, sock, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	if err := c.RequestShutdown(ctx); err != nil {
		return fmt.Errorf("%s at %s: %w", target, sock, err)
	}
	fmt.Printf("Shutdown requested (%s).\n", target)
	return nil
}
