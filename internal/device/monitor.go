package device

import (
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/vigil-daemon/vigil/internal/activity"
)

// input_event layout on 64-bit kernels: struct timeval (two 64-bit
// words), then type, code, value. Only the type field matters here.
const (
	eventSize  = 24
	typeOffset = 16
)

// Event types that indicate user presence. Everything else (EV_SYN
// markers, EV_MSC scancodes, LED state) is noise.
const (
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03
)

// tickInterval caps tick production per device. Finer granularity is
// useless to the aggregator and would just churn channel slots.
const tickInterval = 100 * time.Millisecond

// Reopen schedule for transient read failures. Vars so tests can
// compress the backoff.
var (
	reopenBase     = 200 * time.Millisecond
	reopenAttempts = 5
)

var errMonitorStopped = errors.New("monitor stopped")

// monitor owns one device node. A dedicated goroutine performs blocking
// reads of raw input_event records and forwards coalesced ticks into
// the registry funnel; a full funnel pauses reads instead of growing a
// queue. On read failure it re-opens the same path with exponential
// backoff until the retry budget runs out, then reports the device
// lost.
type monitor struct {
	dev    Device
	funnel chan<- activity.Tick
	open   func(string) (io.ReadCloser, error)
	lost   func(*monitor, error)

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	file io.ReadCloser
}

func startMonitor(dev Device, funnel chan<- activity.Tick, open func(string) (io.ReadCloser, error), lost func(*monitor, error)) *monitor {
	m := &monitor{
		dev:    dev,
		funnel: funnel,
		open:   open,
		lost:   lost,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *monitor) run() {
	defer close(m.done)

	attempts := 0
	var last time.Time
	for {
		f, err := m.open(m.dev.Path)
		if err == nil {
			m.setFile(f)
			if m.stopping() {
				f.Close()
				return
			}
			var delivered bool
			delivered, err = m.consume(f, &last)
			m.setFile(nil)
			f.Close()
			if delivered {
				// The device proved healthy; give it a fresh budget.
				attempts = 0
			}
		}
		if m.stopping() {
			return
		}
		// A missing node means the device was unplugged; retrying the
		// same path is pointless.
		if errors.Is(err, fs.ErrNotExist) || attempts >= reopenAttempts {
			m.lost(m, err)
			return
		}
		attempts++
		log.Printf("[device] %s read failed (attempt %d/%d): %v", m.dev.ID, attempts, reopenAttempts, err)
		if !m.pause(reopenBase << (attempts - 1)) {
			return
		}
	}
}

// consume reads the device until an error, forwarding at most one tick
// per tickInterval. Reports whether any tick was forwarded so the
// caller can reset its retry budget.
func (m *monitor) consume(f io.Reader, last *time.Time) (bool, error) {
	buf := make([]byte, eventSize)
	delivered := false
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			return delivered, err
		}
		typ := binary.LittleEndian.Uint16(buf[typeOffset:])
		if typ != evKey && typ != evRel && typ != evAbs {
			continue
		}
		now := time.Now()
		if now.Sub(*last) < tickInterval {
			continue
		}
		select {
		case m.funnel <- activity.Tick{Device: m.dev.ID, At: now}:
			*last = now
			delivered = true
		case <-m.stop:
			return delivered, errMonitorStopped
		}
	}
}

func (m *monitor) setFile(f io.ReadCloser) {
	m.mu.Lock()
	m.file = f
	m.mu.Unlock()
}

func (m *monitor) stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// pause sleeps for d, returning false if the monitor was halted first.
func (m *monitor) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stop:
		return false
	}
}

// halt requests shutdown and unblocks a pending read by closing the
// device file out from under it.
func (m *monitor) halt() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		if m.file != nil {
			m.file.Close()
		}
		m.mu.Unlock()
	})
}
