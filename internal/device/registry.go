package device

import (
	"context"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/vigil-daemon/vigil/internal/activity"
)

// funnelSize bounds the ticks buffered between the monitors and the
// aggregator. Monitors block (and stop reading) when it fills.
const funnelSize = 256

// scanInterval is how often the registry re-enumerates the input
// directory for hot-plug changes.
const scanInterval = 2 * time.Second

// Registry discovers devices matching the selector, runs one monitor
// per device, and merges their ticks into a single funnel. Per-device
// tick order is preserved; cross-device order is arrival order.
//
// A device whose monitor gives up (retry budget exhausted, node gone)
// is quarantined until it disappears from a scan, so a permanently
// unreadable node is not re-opened every scan. Unplugging clears the
// quarantine and a replug starts a fresh monitor. Zero matching
// devices is a degraded-but-running state, not an error.
type Registry struct {
	scanner   *Scanner
	selector  Selector
	funnel    chan activity.Tick
	open      func(string) (io.ReadCloser, error)
	scanEvery time.Duration

	mu         sync.Mutex
	monitors   map[string]*monitor
	quarantine map[string]bool
}

func NewRegistry(sel Selector) *Registry {
	return &Registry{
		scanner:    NewScanner(),
		selector:   sel,
		funnel:     make(chan activity.Tick, funnelSize),
		open:       func(path string) (io.ReadCloser, error) { return os.Open(path) },
		scanEvery:  scanInterval,
		monitors:   make(map[string]*monitor),
		quarantine: make(map[string]bool),
	}
}

// Ticks is the merged activity stream. It is never closed; consumers
// select against their own context.
func (r *Registry) Ticks() <-chan activity.Tick { return r.funnel }

// Devices lists the devices currently being monitored, sorted by ID.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run scans for matching devices until ctx is cancelled, starting
// monitors for new arrivals and reaping unplugged ones. It returns
// only after every monitor goroutine has exited.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.scanEvery)
	defer ticker.Stop()

	log.Printf("[device] registry watching %s (selector %q)", r.scanner.InputDir, r.selector)
	r.rescan()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			log.Printf("[device] registry stopped")
			return
		case <-ticker.C:
			r.rescan()
		}
	}
}

func (r *Registry) rescan() {
	devices, err := r.scanner.Scan(r.selector)
	if err != nil {
		log.Printf("[device] scan failed: %v", err)
		return
	}
	present := make(map[string]bool, len(devices))
	for _, d := range devices {
		present[d.ID] = true
	}

	r.mu.Lock()

	// An unplug clears quarantine so a replugged device gets a fresh
	// start.
	for id := range r.quarantine {
		if !present[id] {
			delete(r.quarantine, id)
		}
	}

	var removed []*monitor
	for id, m := range r.monitors {
		if !present[id] {
			delete(r.monitors, id)
			removed = append(removed, m)
		}
	}

	for _, d := range devices {
		if r.quarantine[d.ID] {
			continue
		}
		if _, ok := r.monitors[d.ID]; ok {
			continue
		}
		r.monitors[d.ID] = startMonitor(d, r.funnel, r.open, r.deviceLost)
		log.Printf("[device] monitoring %s", d)
	}
	r.mu.Unlock()

	for _, m := range removed {
		m.halt()
		<-m.done
		log.Printf("[device] removed %s", m.dev)
	}
}

// deviceLost runs on a monitor goroutine after its retry budget is
// exhausted or its node vanished.
func (r *Registry) deviceLost(m *monitor, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.monitors[m.dev.ID] != m {
		// Already reaped by a rescan.
		return
	}
	delete(r.monitors, m.dev.ID)
	r.quarantine[m.dev.ID] = true
	log.Printf("[device] lost %s: %v", m.dev, err)
}

func (r *Registry) stopAll() {
	r.mu.Lock()
	monitors := make([]*monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		monitors = append(monitors, m)
	}
	r.monitors = make(map[string]*monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.halt()
	}
	for _, m := range monitors {
		<-m.done
	}
}
