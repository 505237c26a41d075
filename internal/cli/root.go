// Package cli implements the vigilctl command-line interface using
// Cobra. Each subcommand talks to vigild or nudged over their Unix
// sockets.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vigil-daemon/vigil/internal/client"
	"github.com/vigil-daemon/vigil/internal/config"
)

// requestTimeout bounds one-shot request commands. Streaming commands
// run until interrupted.
const requestTimeout = 5 * time.Second

var (
	flagConfig string
	flagSocket string
)

var rootCmd = &cobra.Command{
	Use:   "vigilctl",
	Short: "Query and control the vigil daemons",
	Long: `vigilctl talks to vigild (activity detection) and nudged (reminder
timers) over their Unix sockets.

Most commands target vigild; timer and history commands target nudged.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "Socket of the daemon this command talks to (overrides config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	return config.LoadOrDefault(path)
}

// vigildSocket resolves the activity daemon socket from the flag or
// the config file.
func vigildSocket() (string, error) {
	if flagSocket != "" {
		return flagSocket, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.SocketPath, nil
}

// nudgedSocket resolves the reminder daemon socket the same way.
func nudgedSocket() (string, error) {
	if flagSocket != "" {
		return flagSocket, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Nudge.SocketPath, nil
}

func vigildClient() (*client.Client, string, error) {
	sock, err := vigildSocket()
	if err != nil {
		return nil, "", err
	}
	return client.New(sock), sock, nil
}

func nudgedClient() (*client.Client, string, error) {
	sock, err := nudgedSocket()
	if err != nil {
		return nil, "", err
	}
	return client.New(sock), sock, nil
}

// requestContext bounds a one-shot daemon request.
func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// signalContext is canceled on SIGINT or SIGTERM, so streaming
// commands exit cleanly on Ctrl-C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// clock renders a duration the way the config file spells intervals,
// MM:SS or HH:MM:SS above an hour.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return config.Interval(d).String()
}
