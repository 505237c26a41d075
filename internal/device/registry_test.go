package device

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeDevices simulates openable device nodes: each open hands out the
// read side of a fresh pipe, unless a failure is configured for that
// node.
type fakeDevices struct {
	mu    sync.Mutex
	pipes map[string]*io.PipeWriter
	opens map[string]int
	fail  map[string]error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		pipes: make(map[string]*io.PipeWriter),
		opens: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (fd *fakeDevices) open(path string) (io.ReadCloser, error) {
	id := filepath.Base(path)
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.opens[id]++
	if err := fd.fail[id]; err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	fd.pipes[id] = pw
	return pr, nil
}

func (fd *fakeDevices) setFail(id string, err error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.fail[id] = err
}

func (fd *fakeDevices) openCount(id string) int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.opens[id]
}

// emit writes one key event to the pipe backing id, waiting for the
// monitor to open the device first.
func (fd *fakeDevices) emit(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fd.mu.Lock()
		pw := fd.pipes[id]
		fd.mu.Unlock()
		if pw != nil {
			if _, err := pw.Write(rawEvent(evKey)); err != nil {
				t.Fatalf("emit on %s: %v", id, err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be opened", id)
}

func testRegistry(t *testing.T, s *Scanner, expr string) (*Registry, *fakeDevices) {
	t.Helper()
	fd := newFakeDevices()
	r := NewRegistry(mustSelector(t, expr))
	r.scanner = s
	r.open = fd.open
	r.scanEvery = 20 * time.Millisecond
	return r, fd
}

func startRegistry(t *testing.T, r *Registry) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("registry did not stop")
		}
	})
	return cancel
}

func waitForDevices(t *testing.T, r *Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.Devices()) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("devices = %v, want %d", r.Devices(), n)
}

func TestRegistryMonitorsMatchingDevices(t *testing.T) {
	s := fixtureScanner(t, map[string]string{
		"event0": "AT Translated Set 2 keyboard",
		"event1": "Logitech USB Mouse",
	})
	r, fd := testRegistry(t, s, "name:*keyboard*")
	startRegistry(t, r)

	waitForDevices(t, r, 1)
	if devs := r.Devices(); devs[0].ID != "event0" {
		t.Fatalf("monitoring %v, want event0", devs)
	}

	fd.emit(t, "event0")
	expectTick(t, r.Ticks(), "event0")
}

func TestRegistryHotPlugAddsDevice(t *testing.T) {
	s := fixtureScanner(t, map[string]string{"event0": "kbd"})
	r, fd := testRegistry(t, s, "all")
	startRegistry(t, r)
	waitForDevices(t, r, 1)

	if err := os.WriteFile(filepath.Join(s.InputDir, "event1"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	waitForDevices(t, r, 2)

	// The original monitor keeps working across the hot-plug.
	fd.emit(t, "event0")
	expectTick(t, r.Ticks(), "event0")
	fd.emit(t, "event1")
	expectTick(t, r.Ticks(), "event1")
}

func TestRegistryReapsUnpluggedDevice(t *testing.T) {
	s := fixtureScanner(t, map[string]string{"event0": "kbd", "event1": "mouse"})
	r, _ := testRegistry(t, s, "all")
	startRegistry(t, r)
	waitForDevices(t, r, 2)

	if err := os.Remove(filepath.Join(s.InputDir, "event1")); err != nil {
		t.Fatal(err)
	}
	waitForDevices(t, r, 1)
	if devs := r.Devices(); devs[0].ID != "event0" {
		t.Fatalf("monitoring %v, want just event0", devs)
	}
}

func TestRegistryQuarantinesLostDevice(t *testing.T) {
	s := fixtureScanner(t, map[string]string{"event0": "kbd"})
	r, fd := testRegistry(t, s, "all")
	fd.setFail("event0", fs.ErrNotExist)
	startRegistry(t, r)

	// The monitor starts, fails immediately, and the device lands in
	// quarantine. While the node stays listed, no re-open happens.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fd.openCount("event0") > 0 && len(r.Devices()) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	opens := fd.openCount("event0")
	if opens == 0 {
		t.Fatal("device was never opened")
	}
	time.Sleep(4 * r.scanEvery)
	if got := fd.openCount("event0"); got != opens {
		t.Fatalf("quarantined device re-opened: %d -> %d opens", opens, got)
	}

	// Unplug clears the quarantine; a replug starts a fresh monitor.
	if err := os.Remove(filepath.Join(s.InputDir, "event0")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * r.scanEvery)
	fd.setFail("event0", nil)
	if err := os.WriteFile(filepath.Join(s.InputDir, "event0"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	waitForDevices(t, r, 1)

	fd.emit(t, "event0")
	expectTick(t, r.Ticks(), "event0")
}

func TestRegistryZeroDevicesIsDegraded(t *testing.T) {
	s := fixtureScanner(t, map[string]string{})
	r, _ := testRegistry(t, s, "all")
	startRegistry(t, r)

	time.Sleep(3 * r.scanEvery)
	if devs := r.Devices(); len(devs) != 0 {
		t.Fatalf("devices = %v, want none", devs)
	}
	expectNoTick(t, r.Ticks(), 50*time.Millisecond)
}

func TestRegistryStopHaltsAllMonitors(t *testing.T) {
	s := fixtureScanner(t, map[string]string{"event0": "kbd", "event1": "mouse"})
	r, _ := testRegistry(t, s, "all")
	cancel := startRegistry(t, r)
	waitForDevices(t, r, 2)

	cancel()
	waitForDevices(t, r, 0)
}
