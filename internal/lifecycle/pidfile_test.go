package lifecycle

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// stalePid is far above any default pid_max, so no live process can
// ever hold it.
const stalePid = "2147483646"

func pidPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "vigild.pid")
}

func readBack(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	return strings.TrimSpace(string(data))
}

func TestAcquireWritesOwnPid(t *testing.T) {
	path := pidPath(t)
	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile: %v", err)
	}
	defer p.Release()

	if got := readBack(t, path); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file holds %q, want our pid %d", got, os.Getpid())
	}
}

func TestAcquireCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "vigil", "vigild.pid")
	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile: %v", err)
	}
	p.Release()
}

func TestAcquireRefusesLiveProcess(t *testing.T) {
	path := pidPath(t)
	// Our own pid is guaranteed alive.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	if _, err := AcquirePIDFile(path); err == nil {
		t.Fatalf("AcquirePIDFile claimed a pid file held by a live process")
	} else if !strings.Contains(err.Error(), "already running") {
		t.Fatalf("got error %q, want it to say already running", err)
	}

	if got := readBack(t, path); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("refused acquire still rewrote the pid file: %q", got)
	}
}

func TestAcquireReplacesStalePid(t *testing.T) {
	path := pidPath(t)
	if err := os.WriteFile(path, []byte(stalePid), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile over stale pid: %v", err)
	}
	defer p.Release()

	if got := readBack(t, path); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file holds %q after stale replacement, want our pid", got)
	}
}

func TestAcquireReplacesGarbledFile(t *testing.T) {
	path := pidPath(t)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}

	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile over garbled file: %v", err)
	}
	p.Release()
}

func TestReleaseRemovesFile(t *testing.T) {
	path := pidPath(t)
	p, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile: %v", err)
	}

	p.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after Release")
	}
	p.Release() // second release is a no-op
}

func TestReadPIDFileMissing(t *testing.T) {
	pid, err := ReadPIDFile(filepath.Join(t.TempDir(), "absent.pid"))
	if err != nil {
		t.Fatalf("ReadPIDFile on missing file: %v", err)
	}
	if pid != 0 {
		t.Fatalf("ReadPIDFile on missing file = %d, want 0", pid)
	}
}

func TestReadPIDFileRoundTrip(t *testing.T) {
	path := pidPath(t)
	if err := os.WriteFile(path, []byte(" 4242 \n"), 0o644); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("ReadPIDFile = %d, want 4242", pid)
	}
}
