package device

import (
	"os"
	"path/filepath"
	"testing"
)

// fixtureScanner builds a fake /dev/input plus sysfs tree. names maps
// node basename to the sysfs device name; an empty name means no sysfs
// entry exists for that node.
func fixtureScanner(t *testing.T, names map[string]string) *Scanner {
	t.Helper()
	root := t.TempDir()
	inputDir := filepath.Join(root, "input")
	sysfsDir := filepath.Join(root, "sys")
	if err := os.MkdirAll(inputDir, 0755); err != nil {
		t.Fatal(err)
	}
	for id, name := range names {
		if err := os.WriteFile(filepath.Join(inputDir, id), nil, 0644); err != nil {
			t.Fatal(err)
		}
		if name == "" {
			continue
		}
		dir := filepath.Join(sysfsDir, id, "device")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return &Scanner{InputDir: inputDir, SysfsDir: sysfsDir}
}

func mustSelector(t *testing.T, expr string) Selector {
	t.Helper()
	sel, err := CompileSelector(expr)
	if err != nil {
		t.Fatalf("CompileSelector(%q): %v", expr, err)
	}
	return sel
}

func TestScanFindsEventNodes(t *testing.T) {
	s := fixtureScanner(t, map[string]string{
		"event0": "AT Translated Set 2 keyboard",
		"event1": "Logitech USB Mouse",
		"mice":   "",
	})
	// Real /dev/input also has subdirectories; they must be skipped.
	if err := os.MkdirAll(filepath.Join(s.InputDir, "by-id"), 0755); err != nil {
		t.Fatal(err)
	}

	devices, err := s.Scan(mustSelector(t, "all"))
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Scan() returned %d devices, want 2: %v", len(devices), devices)
	}

	byID := make(map[string]Device)
	for _, d := range devices {
		byID[d.ID] = d
	}
	kb, ok := byID["event0"]
	if !ok {
		t.Fatal("event0 not found")
	}
	if kb.Name != "AT Translated Set 2 keyboard" {
		t.Errorf("event0 name = %q", kb.Name)
	}
	if kb.Path != filepath.Join(s.InputDir, "event0") {
		t.Errorf("event0 path = %q", kb.Path)
	}
}

func TestScanMissingNameIsNotFatal(t *testing.T) {
	s := fixtureScanner(t, map[string]string{"event5": ""})

	devices, err := s.Scan(mustSelector(t, "all"))
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "" {
		t.Fatalf("Scan() = %v, want one device with empty name", devices)
	}
}

func TestScanMissingDir(t *testing.T) {
	s := &Scanner{InputDir: "/nonexistent/input", SysfsDir: "/nonexistent/sys"}
	if _, err := s.Scan(mustSelector(t, "all")); err == nil {
		t.Fatal("Scan() on missing directory should return error")
	}
}

func TestScanAppliesSelector(t *testing.T) {
	s := fixtureScanner(t, map[string]string{
		"event0": "AT Translated Set 2 keyboard",
		"event1": "Logitech USB Mouse",
		"event2": "Video Bus",
	})

	devices, err := s.Scan(mustSelector(t, "name:*keyboard*"))
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "event0" {
		t.Fatalf("Scan() = %v, want just event0", devices)
	}
}

func TestCompileSelectorRejectsBadPattern(t *testing.T) {
	if _, err := CompileSelector("name:[oops"); err == nil {
		t.Fatal("CompileSelector should reject malformed glob")
	}
	if _, err := CompileSelector(" , ,"); err == nil {
		t.Fatal("CompileSelector should reject a pattern-free selector")
	}
}

func TestSelectorMatch(t *testing.T) {
	kb := Device{ID: "event0", Name: "AT Translated Set 2 Keyboard"}
	mouse := Device{ID: "event1", Name: "Logitech USB Mouse"}

	tests := []struct {
		expr string
		dev  Device
		want bool
	}{
		{"all", kb, true},
		{"", mouse, true},
		{"event*", kb, true},
		{"event1", kb, false},
		{"event1", mouse, true},
		{"name:*keyboard*", kb, true}, // case-insensitive
		{"name:*keyboard*", mouse, false},
		{"name:*keyboard*,name:*mouse*", mouse, true},
		{"name:*trackpad*", mouse, false},
	}
	for _, tt := range tests {
		sel := mustSelector(t, tt.expr)
		if got := sel.Match(tt.dev); got != tt.want {
			t.Errorf("selector %q match %s = %v, want %v", tt.expr, tt.dev.ID, got, tt.want)
		}
	}
}

func TestSelectorZeroValueMatchesNothing(t *testing.T) {
	var sel Selector
	if sel.Match(Device{ID: "event0", Name: "anything"}) {
		t.Error("zero-value selector should match nothing")
	}
}

func TestDeviceString(t *testing.T) {
	d := Device{ID: "event3", Name: "USB Keyboard"}
	if got := d.String(); got != "event3 (USB Keyboard)" {
		t.Errorf("String() = %q", got)
	}
	if got := (Device{ID: "event3"}).String(); got != "event3" {
		t.Errorf("String() without name = %q", got)
	}
}
