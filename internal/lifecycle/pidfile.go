package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// PIDFile records the daemon's pid so the CLI can find it and a second
// instance can refuse to start.
type PIDFile struct {
	path string
}

// AcquirePIDFile claims the pid file for this process. When the file
// already names a live process the claim fails; a pid whose process is
// gone counts as stale and is replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("pid file dir: %w", err)
	}

	pid, err := ReadPIDFile(path)
	switch {
	case err != nil:
		log.Printf("[lifecycle] %v; replacing it", err)
	case pid > 0:
		alive, _ := process.PidExists(int32(pid))
		if alive {
			return nil, fmt.Errorf("already running (pid %d, per %s)", pid, path)
		}
		log.Printf("[lifecycle] removing stale pid file (pid %d is gone)", pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &PIDFile{path: path}, nil
}

// Release removes the pid file. Safe to call when it is already gone.
func (p *PIDFile) Release() {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[lifecycle] remove pid file: %v", err)
	}
}

// ReadPIDFile returns the recorded pid, or 0 when no file exists.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is garbled: %w", path, err)
	}
	return pid, nil
}
