// Package main runs the activity detection daemon: it watches input
// devices, folds their ticks into the Active/Idle state machine, and
// serves the event bus on a unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigil-daemon/vigil/internal/activity"
	"github.com/vigil-daemon/vigil/internal/bus"
	"github.com/vigil-daemon/vigil/internal/config"
	"github.com/vigil-daemon/vigil/internal/device"
	"github.com/vigil-daemon/vigil/internal/lifecycle"
	"github.com/vigil-daemon/vigil/internal/mock"
	"github.com/vigil-daemon/vigil/internal/wire"
)

// shutdownGrace bounds the whole ordered shutdown; busDrain is the
// slice of it spent flushing subscriber queues.
const (
	shutdownGrace = 5 * time.Second
	busDrain      = 2 * time.Second
)

// maxSubscribers bounds concurrent bus sessions.
const maxSubscribers = 32

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to config file")
	socketPath := flag.String("socket", "", "Override the listening socket")
	mockMode := flag.Bool("mock", false, "Generate synthetic activity instead of reading input devices")
	verbose := flag.Bool("verbose", false, "Log the effective config and use microsecond timestamps")
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *verbose {
		dump, _ := yaml.Marshal(cfg)
		log.Printf("[vigild] effective config:\n%s", dump)
	}

	sel, err := device.CompileSelector(cfg.DeviceSelector)
	if err != nil {
		log.Fatalf("Bad device selector: %v", err)
	}

	pidfile, err := lifecycle.AcquirePIDFile(config.PIDPath("vigild"))
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer pidfile.Release()

	lc := lifecycle.New(shutdownGrace)

	// Producers register before the components that drain them, so
	// shutdown stops the tick source first.
	var ticks <-chan activity.Tick
	if *mockMode {
		// Gaps run twice the idle timeout so both transitions show up.
		gen := mock.NewGenerator(cfg.IdleTimeout(), 2*cfg.IdleTimeout())
		ticks = gen.Ticks()
		lc.Register("mock", lifecycle.Go(gen.Run))
	} else {
		registry := device.NewRegistry(sel)
		ticks = registry.Ticks()
		lc.Register("devices", lifecycle.Go(registry.Run))
	}

	b := bus.NewBroadcaster(maxSubscribers)
	agg := activity.NewAggregator(cfg.IdleTimeout(), ticks, b.Publish)
	b.SetStatusSource(agg.Status)
	lc.Register("aggregator", lifecycle.Go(agg.Run))

	srv := bus.NewServer(cfg.SocketPath, b)
	srv.Handle(wire.KindShutdownRequest, func(*wire.Envelope) (wire.Kind, any) {
		// Not inline: Shutdown waits for the bus, which waits for the
		// reader goroutine running this handler.
		go lc.Shutdown("operator request")
		return wire.KindOK, nil
	})
	lc.Register("bus", func(ctx context.Context) {
		srv.Stop(lc.Reason(), busDrain)
	})

	if err := srv.Start(); err != nil {
		pidfile.Release()
		log.Fatalf("Failed to bind %s: %v", cfg.SocketPath, err)
	}

	log.Printf("[vigild] up: socket %s, selector %q, idle timeout %s",
		cfg.SocketPath, cfg.DeviceSelector, cfg.IdleTimeout())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lc.Shutdown(fmt.Sprintf("signal %s", sig))
	}()

	<-lc.Done()
	log.Printf("[vigild] stopped (%s)", lc.Reason())
}
