// Package device discovers kernel input devices and turns their raw
// event streams into activity ticks for the aggregator.
package device

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Device describes one kernel input device node.
type Device struct {
	// ID is the node basename, e.g. "event3". The kernel may reuse an
	// ID after an unplug/replug cycle.
	ID string

	// Path is the full device node path, e.g. "/dev/input/event3".
	Path string

	// Name is the human-readable device name read from sysfs, e.g.
	// "AT Translated Set 2 keyboard". Empty when sysfs is unreadable.
	Name string
}

func (d Device) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.ID, d.Name)
}

// Selector is a compiled device match policy. The zero value matches
// nothing; build one with CompileSelector.
type Selector struct {
	expr  string
	all   bool
	terms []selectorTerm
}

type selectorTerm struct {
	pattern string
	byName  bool
}

// CompileSelector parses a device_selector value: "all" (or empty), or
// a comma-separated list of glob patterns. A bare pattern matches the
// node basename ("event*"); a "name:" prefix matches the sysfs device
// name instead ("name:*keyboard*"). Matching is case-insensitive.
func CompileSelector(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "all" {
		return Selector{expr: "all", all: true}, nil
	}
	sel := Selector{expr: expr}
	for _, raw := range strings.Split(expr, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		byName := false
		if rest, ok := strings.CutPrefix(term, "name:"); ok {
			term = rest
			byName = true
		}
		pattern := strings.ToLower(term)
		if _, err := path.Match(pattern, ""); err != nil {
			return Selector{}, fmt.Errorf("device selector pattern %q: %w", raw, err)
		}
		sel.terms = append(sel.terms, selectorTerm{pattern: pattern, byName: byName})
	}
	if len(sel.terms) == 0 {
		return Selector{}, fmt.Errorf("device selector %q has no patterns", expr)
	}
	return sel, nil
}

func (s Selector) String() string { return s.expr }

// Match reports whether the selector admits the device.
func (s Selector) Match(d Device) bool {
	if s.all {
		return true
	}
	for _, t := range s.terms {
		subject := d.ID
		if t.byName {
			subject = d.Name
		}
		if ok, _ := path.Match(t.pattern, strings.ToLower(subject)); ok {
			return true
		}
	}
	return false
}

// Scanner enumerates input device nodes. The directories are fields so
// tests can point it at a fixture tree.
type Scanner struct {
	InputDir string // device nodes, normally /dev/input
	SysfsDir string // name lookup root, normally /sys/class/input
}

func NewScanner() *Scanner {
	return &Scanner{InputDir: "/dev/input", SysfsDir: "/sys/class/input"}
}

// Scan lists the event nodes under InputDir that the selector admits.
// An unreadable input directory is an error; an unreadable sysfs name
// is not (the device is listed with an empty Name).
func (s *Scanner) Scan(sel Selector) ([]Device, error) {
	entries, err := os.ReadDir(s.InputDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.InputDir, err)
	}
	var devices []Device
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "event") {
			continue
		}
		d := Device{
			ID:   entry.Name(),
			Path: filepath.Join(s.InputDir, entry.Name()),
			Name: s.deviceName(entry.Name()),
		}
		if sel.Match(d) {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (s *Scanner) deviceName(id string) string {
	data, err := os.ReadFile(filepath.Join(s.SysfsDir, id, "device", "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
