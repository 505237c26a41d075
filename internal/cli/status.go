package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"github.com/vigil-daemon/vigil/internal/config"
	"github.com/vigil-daemon/vigil/internal/lifecycle"
	"github.com/vigil-daemon/vigil/internal/wire"
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Machine-readable output")
	rootCmd.AddCommand(statusCmd)
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current activity state",
	RunE:  runStatus,
}

// daemonInfo describes the daemon process behind the socket, as far
// as the pid file and /proc will tell us.
type daemonInfo struct {
	PID      int    `json:"pid"`
	Running  bool   `json:"running"`
	Uptime   string `json:"uptime,omitempty"`
	RSSBytes uint64 `json:"rssBytes,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, sock, err := vigildClient()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	snap, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("vigild at %s: %w", sock, err)
	}

	info := processInfo(config.PIDPath("vigild"))

	if statusJSON {
		out := struct {
			wire.Snapshot
			Daemon *daemonInfo `json:"daemon,omitempty"`
		}{snap, info}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("State:     %s\n", snap.State)
	if snap.At.IsZero() {
		fmt.Printf("Since:     (no transitions yet)\n")
	} else {
		fmt.Printf("Since:     %s (%s in state)\n",
			snap.At.Format("2006-01-02 15:04:05"), clock(time.Since(snap.At)))
	}
	fmt.Printf("Seq:       %d\n", snap.Seq)
	if snap.LastTickAt.IsZero() {
		fmt.Printf("Last tick: (none)\n")
	} else {
		fmt.Printf("Last tick: %s\n", snap.LastTickAt.Format("15:04:05"))
	}
	if info != nil {
		fmt.Printf("Daemon:    %s\n", info.describe())
	}
	return nil
}

// processInfo reads the pid file and asks the kernel about the
// process. Every failure is soft; status still reports the snapshot
// it got over the socket.
func processInfo(pidPath string) *daemonInfo {
	pid, err := lifecycle.ReadPIDFile(pidPath)
	if err != nil || pid == 0 {
		return nil
	}

	info := &daemonInfo{PID: pid}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info
	}
	info.Running = true
	if ct, err := p.CreateTime(); err == nil {
		info.Uptime = clock(time.Since(time.UnixMilli(ct)))
	}
	if mem, err := p.MemoryInfo(); err == nil {
		info.RSSBytes = mem.RSS
	}
	return info
}

func (i *daemonInfo) describe() string {
	if !i.Running {
		return fmt.Sprintf("pid file names %d, but it is not running", i.PID)
	}
	s := fmt.Sprintf("pid %d", i.PID)
	if i.Uptime != "" {
		s += fmt.Sprintf(", up %s", i.Uptime)
	}
	if i.RSSBytes > 0 {
		s += fmt.Sprintf(", rss %.1f MiB", float64(i.RSSBytes)/(1<<20))
	}
	return s
}
