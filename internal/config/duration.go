package config

import (
	"fmt"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Duration accepts Go duration strings ("45s", "2h30m") in YAML.
// The zero value means "unset"; callers apply their own defaults.
type Duration struct {
	d time.Duration
}

func D(d time.Duration) Duration { return Duration{d: d} }

func (d Duration) Value() time.Duration { return d.d }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" {
		*d = Duration{}
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", node.Value)
	}
	d.d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	if d.d == 0 {
		return "", nil
	}
	return d.d.String(), nil
}
