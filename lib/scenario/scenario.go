// Package scenario defines the test-case model: a named, ordered sequence
// of input and assertion steps loaded from YAML definition files.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/samber/lo"

	"github.com/probelab/uiprobe/lib/snapshot"
	"github.com/probelab/uiprobe/lib/xdo"
)

// Scenario is one named test case. It is immutable once loaded.
type Scenario struct {
	Name string `json:"name,omitempty"`
	// AppArgs are passed to the application under test. When empty, the
	// scenario name itself is passed as the single argument.
	AppArgs []string        `json:"app_args,omitempty"`
	Compare snapshot.Policy `json:"compare,omitempty"`
	Steps   []Step          `json:"steps"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	ActivateWindow *xdo.Match    `json:"activate_window,omitempty"`
	Click          *ClickStep    `json:"click,omitempty"`
	MouseMove      *PointStep    `json:"mouse_move,omitempty"`
	MouseDown      *ButtonStep   `json:"mouse_down,omitempty"`
	MouseUp        *ButtonStep   `json:"mouse_up,omitempty"`
	Keys           []string      `json:"keys,omitempty"`
	Type           *TypeStep     `json:"type,omitempty"`
	Resize         *SizeStep     `json:"resize,omitempty"`
	Minimize       bool          `json:"minimize,omitempty"`
	Wait           *WaitStep     `json:"wait,omitempty"`
	Snapshot       *SnapshotStep `json:"snapshot,omitempty"`
	CloseWindow    bool          `json:"close_window,omitempty"`
}

// ClickStep clicks at window-relative coordinates when InWindow is set,
// otherwise at absolute display coordinates.
type ClickStep struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Button   string `json:"button,omitempty"`
	InWindow bool   `json:"in_window,omitempty"`
}

// PointStep is a pointer move target.
type PointStep struct {
	X        int  `json:"x"`
	Y        int  `json:"y"`
	InWindow bool `json:"in_window,omitempty"`
}

// ButtonStep presses or releases a pointer button.
type ButtonStep struct {
	Button string `json:"button,omitempty"`
}

// TypeStep types literal text into the focused window.
type TypeStep struct {
	Text  string `json:"text"`
	Enter bool   `json:"enter,omitempty"`
}

// SizeStep resizes the current window.
type SizeStep struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WaitStep pauses the scenario, e.g. for animations to settle.
type WaitStep struct {
	Ms int `json:"ms"`
}

// SnapshotStep captures the current window (or the whole display) and
// compares it against the golden reference of the same name.
type SnapshotStep struct {
	Name string `json:"name"`
	// FullScreen captures the entire display instead of the current window.
	FullScreen bool `json:"full_screen,omitempty"`
}

// Kind names the step's action for logs and errors.
func (s Step) Kind() string {
	switch {
	case s.ActivateWindow != nil:
		return "activate_window"
	case s.Click != nil:
		return "click"
	case s.MouseMove != nil:
		return "mouse_move"
	case s.MouseDown != nil:
		return "mouse_down"
	case s.MouseUp != nil:
		return "mouse_up"
	case len(s.Keys) > 0:
		return "keys"
	case s.Type != nil:
		return "type"
	case s.Resize != nil:
		return "resize"
	case s.Minimize:
		return "minimize"
	case s.Wait != nil:
		return "wait"
	case s.Snapshot != nil:
		return "snapshot"
	case s.CloseWindow:
		return "close_window"
	default:
		return "unknown"
	}
}

func (s Step) validate(i int) error {
	set := 0
	if s.ActivateWindow != nil {
		set++
	}
	if s.Click != nil {
		set++
	}
	if s.MouseMove != nil {
		set++
	}
	if s.MouseDown != nil {
		set++
	}
	if s.MouseUp != nil {
		set++
	}
	if len(s.Keys) > 0 {
		set++
	}
	if s.Type != nil {
		set++
	}
	if s.Resize != nil {
		set++
	}
	if s.Minimize {
		set++
	}
	if s.Wait != nil {
		set++
	}
	if s.Snapshot != nil {
		set++
	}
	if s.CloseWindow {
		set++
	}
	if set == 0 {
		return fmt.Errorf("step %d: no action set", i)
	}
	if set > 1 {
		return fmt.Errorf("step %d: multiple actions set", i)
	}
	if s.Snapshot != nil && s.Snapshot.Name == "" {
		return fmt.Errorf("step %d: snapshot requires a name", i)
	}
	return nil
}

// Load reads one scenario definition. The scenario name defaults to the
// file's base name.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := sc.Compare.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %s: no steps", sc.Name)
	}
	for i, step := range sc.Steps {
		if err := step.validate(i); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}
	return &sc, nil
}

// Discover loads every *.yaml scenario beneath dir in lexicographic name
// order. The order is the execution order of a full run.
func Discover(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover scenarios in %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := map[string]string{}
	for _, p := range paths {
		sc, err := Load(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate scenario name %q in %s and %s", sc.Name, prev, p)
		}
		seen[sc.Name] = p
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// Filter restricts scenarios to those whose name contains the substring.
// An empty filter keeps everything; an empty result is not an error.
func Filter(scenarios []*Scenario, substring string) []*Scenario {
	if substring == "" {
		return scenarios
	}
	return lo.Filter(scenarios, func(sc *Scenario, _ int) bool {
		return strings.Contains(sc.Name, substring)
	})
}
