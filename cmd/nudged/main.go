// Package main runs the reminder daemon: it mirrors the activity
// stream from vigild, advances break timers while the user is active,
// persists transitions, and answers timer queries on its own socket.
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

	"github.com/vigil-daemon/vigil/internal/bus"
	"github.com/vigil-daemon/vigil/internal/client"
	"github.com/vigil-daemon/vigil/internal/config"
	"github.com/vigil-daemon/vigil/internal/history"
	"github.com/vigil-daemon/vigil/internal/lifecycle"
	"github.com/vigil-daemon/vigil/internal/nudge"
	"github.com/vigil-daemon/vigil/internal/wire"
)

const (
	shutdownGrace  = 5 * time.Second
	busDrain       = 2 * time.Second
	maxSubscribers = 16
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to config file")
	socketPath := flag.String("socket", "", "Override the listening socket")
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
		cfg.Nudge.SocketPath = *socketPath
	}
	if *verbose {
		dump, _ := yaml.Marshal(cfg)
		log.Printf("[nudged] effective config:\n%s", dump)
	}

	pidfile, err := lifecycle.AcquirePIDFile(config.PIDPath("nudged"))
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer pidfile.Release()

	store, err := history.Open(cfg.Nudge.HistoryPath)
	if err != nil {
		pidfile.Release()
		log.Fatalf("Failed to open history at %s: %v", cfg.Nudge.HistoryPath, err)
	}

	var notifier nudge.Notifier
	if !cfg.Nudge.Notify.Enabled {
		log.Printf("[nudged] notifications disabled by config")
	} else if dn, err := nudge.NewDBusNotifier(); err != nil {
		log.Printf("[nudged] desktop notifications unavailable: %v", err)
	} else {
		notifier = dn
		defer dn.Close()
	}

	engine := nudge.NewEngine(cfg.Nudge, notifier, store)

	b := bus.NewBroadcaster(maxSubscribers)
	b.SetStatusSource(engine.Status)

	lc := lifecycle.New(shutdownGrace)

	srv := bus.NewServer(cfg.Nudge.SocketPath, b)
	srv.Handle(wire.KindTimerListRequest, func(*wire.Envelope) (wire.Kind, any) {
		return wire.KindTimerList, wire.TimerList{Timers: engine.Timers()}
	})
	srv.Handle(wire.KindTimerResetRequest, func(env *wire.Envelope) (wire.Kind, any) {
		var req wire.TimerResetRequest
		if err := env.Decode(&req); err != nil {
			return wire.KindError, wire.Error{Kind: wire.ErrKindBadRequest, Detail: "malformed reset request"}
		}
		switch {
		case req.All:
			engine.ResetAllTimers()
		case req.Name == "":
			return wire.KindError, wire.Error{Kind: wire.ErrKindBadRequest, Detail: "reset needs a timer name or all"}
		default:
			if err := engine.ResetTimer(req.Name); err != nil {
				return wire.KindError, wire.Error{Kind: wire.ErrKindUnknownTimer, Detail: err.Error()}
			}
		}
		return wire.KindOK, nil
	})
	srv.Handle(wire.KindHistoryRequest, func(env *wire.Envelope) (wire.Kind, any) {
		var req wire.HistoryRequest
		env.Decode(&req) // a missing body means the default limit
		entries, err := store.Recent(req.Limit)
		if err != nil {
			log.Printf("[nudged] history query: %v", err)
			return wire.KindError, wire.Error{Kind: wire.ErrKindBadRequest, Detail: "history query failed"}
		}
		return wire.KindHistory, wire.History{Entries: entries}
	})
	srv.Handle(wire.KindShutdownRequest, func(*wire.Envelope) (wire.Kind, any) {
		// Not inline: Shutdown waits for the bus, which waits for the
		// reader goroutine running this handler.
		go lc.Shutdown("operator request")
		return wire.KindOK, nil
	})

	vc := client.New(cfg.SocketPath)
	lc.Register("engine", lifecycle.Go(func(ctx context.Context) {
		engine.Run(ctx, vc.Watch(ctx))
	}))
	lc.Register("bus", func(ctx context.Context) {
		srv.Stop(lc.Reason(), busDrain)
	})
	lc.Register("history", func(ctx context.Context) {
		if err := store.Close(); err != nil {
			log.Printf("[nudged] closing history: %v", err)
		}
	})

	if err := srv.Start(); err != nil {
		pidfile.Release()
		log.Fatalf("Failed to bind %s: %v", cfg.Nudge.SocketPath, err)
	}

	log.Printf("[nudged] up: socket %s, watching %s, %d timers",
		cfg.Nudge.SocketPath, cfg.SocketPath, len(cfg.Nudge.Timers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lc.Shutdown(fmt.Sprintf("signal %s", sig))
	}()

	<-lc.Done()
	log.Printf("[nudged] stopped (%s)", lc.Reason())
}
