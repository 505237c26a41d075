package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Interval is a duration configured in clock notation: "MM:SS" or
// "HH:MM:SS".
type Interval time.Duration

func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

func (i Interval) String() string {
	d := time.Duration(i).Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// ParseInterval parses "MM:SS" or "HH:MM:SS". Minutes are unbounded in
// the two-part form; seconds (and minutes in the three-part form) must
// stay under 60.
func ParseInterval(s string) (Interval, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid interval %q: want MM:SS or HH:MM:SS", s)
	}

	fields := make([]int, len(parts))
	for idx, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid interval %q: want MM:SS or HH:MM:SS", s)
		}
		fields[idx] = n
	}

	var d time.Duration
	switch len(fields) {
	case 2:
		if fields[1] > 59 {
			return 0, fmt.Errorf("invalid interval %q: seconds out of range", s)
		}
		d = time.Duration(fields[0])*time.Minute + time.Duration(fields[1])*time.Second
	case 3:
		if fields[1] > 59 || fields[2] > 59 {
			return 0, fmt.Errorf("invalid interval %q: minutes or seconds out of range", s)
		}
		d = time.Duration(fields[0])*time.Hour + time.Duration(fields[1])*time.Minute + time.Duration(fields[2])*time.Second
	}
	return Interval(d), nil
}

func (i *Interval) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("interval must be a string: %w", err)
	}
	parsed, err := ParseInterval(raw)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (i Interval) MarshalYAML() (any, error) {
	return i.String(), nil
}
