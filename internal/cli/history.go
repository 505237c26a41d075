package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Max entries to show (0 means the daemon default)")
	rootCmd.AddCommand(historyCmd)
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent activity transitions, newest first",
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, sock, err := nudgedClient()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	entries, err := c.History(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("nudged at %s: %w", sock, err)
	}
	if len(entries) == 0 {
		fmt.Println("No transitions recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tSTATE\tSEQ")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\n", e.At.Format("2006-01-02 15:04:05"), e.State, e.Seq)
	}
	return w.Flush()
}
