// Package xdo injects synthetic pointer, keyboard and window-management
// events into a running X11 session via the xdotool and wmctrl utilities.
package xdo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/probelab/uiprobe/lib/logger"
	"github.com/probelab/uiprobe/lib/poll"
)

const (
	defaultWindowPollInterval = 200 * time.Millisecond
	defaultWindowPollTimeout  = 5 * time.Second
)

var (
	// ErrWindowNotFound is returned when no window matches the criteria
	// after the retry budget is spent. It is a scenario-level failure.
	ErrWindowNotFound = errors.New("xdo: no matching window")

	// ErrSessionNotReady is returned when an injection operation is
	// attempted before the display session reached the Ready state. This
	// is a programming error in the caller, not a transient condition.
	ErrSessionNotReady = errors.New("xdo: session not ready")
)

// Gate reports whether the owning display session accepts input. The
// display package's Session satisfies it.
type Gate interface {
	Ready() bool
}

// Match describes criteria for locating a window. Empty fields are ignored;
// at least one must be set.
type Match struct {
	Title       string `json:"title,omitempty"`
	Class       string `json:"class,omitempty"`
	PID         int    `json:"pid,omitempty"`
	OnlyVisible bool   `json:"only_visible,omitempty"`
}

func (m Match) empty() bool {
	return m.Title == "" && m.Class == "" && m.PID == 0
}

func (m Match) String() string {
	parts := []string{}
	if m.Title != "" {
		parts = append(parts, "title="+m.Title)
	}
	if m.Class != "" {
		parts = append(parts, "class="+m.Class)
	}
	if m.PID != 0 {
		parts = append(parts, "pid="+strconv.Itoa(m.PID))
	}
	return strings.Join(parts, " ")
}

// Geometry is a window's position and size on the display.
type Geometry struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Injector drives a single display session. All operations require the
// session gate to report Ready; window lookups additionally retry with a
// bounded backoff because application windows appear asynchronously after
// process launch.
type Injector struct {
	tool       Tool
	gate       Gate
	windowPoll poll.Config

	// wmctrl is used for window close; xdotool windowclose does not work
	// reliably with common window managers.
	wmctrlBin string
	display   string
	authority string
}

// Option configures an Injector.
type Option func(*Injector)

// WithWindowPoll overrides the retry budget for window lookups.
func WithWindowPoll(cfg poll.Config) Option {
	return func(in *Injector) { in.windowPoll = cfg }
}

// WithWmctrl sets the wmctrl binary and the X11 environment it runs under.
func WithWmctrl(bin, display, authority string) Option {
	return func(in *Injector) {
		in.wmctrlBin = bin
		in.display = display
		in.authority = authority
	}
}

// NewInjector returns an Injector that sends events through tool and
// consults gate before every operation.
func NewInjector(tool Tool, gate Gate, opts ...Option) *Injector {
	in := &Injector{
		tool:       tool,
		gate:       gate,
		windowPoll: poll.Config{Interval: defaultWindowPollInterval, Timeout: defaultWindowPollTimeout},
		wmctrlBin:  "wmctrl",
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Injector) checkReady() error {
	if in.gate != nil && !in.gate.Ready() {
		return ErrSessionNotReady
	}
	return nil
}

// buttonNum maps a button name to the xdotool button number. Numeric
// strings pass through unchanged; unknown names default to the left button.
func buttonNum(button string) string {
	if _, err := strconv.Atoi(button); err == nil && button != "" {
		return button
	}
	buttonMap := map[string]string{
		"left":    "1",
		"middle":  "2",
		"right":   "3",
		"back":    "8",
		"forward": "9",
	}
	if btn, ok := buttonMap[strings.ToLower(button)]; ok {
		return btn
	}
	return "1"
}

// findWindowID performs a single xdotool search and returns the first match.
func (in *Injector) findWindowID(ctx context.Context, match Match) (string, error) {
	log := logger.FromContext(ctx)
	args := []string{"search"}
	if match.OnlyVisible {
		args = append(args, "--onlyvisible")
	}
	if match.Title != "" {
		args = append(args, "--name", match.Title)
	}
	if match.Class != "" {
		args = append(args, "--class", match.Class)
	}
	if match.PID != 0 {
		args = append(args, "--pid", strconv.Itoa(match.PID))
	}
	if len(args) == 1 {
		args = append(args, "--onlyvisible", ".")
	}

	output, err := in.tool.Run(ctx, args...)
	if err != nil {
		log.Debug("xdotool search failed", "err", err, "output", string(output))
		return "", fmt.Errorf("window search failed: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", ErrWindowNotFound
	}
	return lines[0], nil
}

// FindWindow retries the window search with a bounded backoff until a match
// appears or the budget is spent. A spent budget surfaces ErrWindowNotFound.
func (in *Injector) FindWindow(ctx context.Context, match Match) (string, error) {
	if err := in.checkReady(); err != nil {
		return "", err
	}
	if match.empty() {
		return "", fmt.Errorf("%w: empty match criteria", ErrWindowNotFound)
	}
	var wid string
	err := poll.Until(ctx, in.windowPoll, func(ctx context.Context) error {
		id, err := in.findWindowID(ctx, match)
		if err != nil {
			return err
		}
		wid = id
		return nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrDeadline) {
			return "", fmt.Errorf("%w: %s (%s)", ErrWindowNotFound, match, err)
		}
		return "", err
	}
	return wid, nil
}

// WaitForWindowByPID blocks until the process owns a mapped window on the
// display. It is the readiness probe run after launching the application
// under test.
func (in *Injector) WaitForWindowByPID(ctx context.Context, pid int) (string, error) {
	return in.FindWindow(ctx, Match{PID: pid, OnlyVisible: true})
}

// ActivateWindow locates a window by match criteria and gives it input
// focus. The activation is synchronous; xdotool waits until the window
// manager confirms it.
func (in *Injector) ActivateWindow(ctx context.Context, match Match) (string, error) {
	wid, err := in.FindWindow(ctx, match)
	if err != nil {
		return "", err
	}
	if out, err := in.tool.Run(ctx, "windowactivate", "--sync", wid); err != nil {
		return "", fmt.Errorf("windowactivate %s: %w (%s)", wid, err, strings.TrimSpace(string(out)))
	}
	return wid, nil
}

// Click moves the pointer to absolute display coordinates and clicks.
func (in *Injector) Click(ctx context.Context, x, y int, button string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if x < 0 || y < 0 {
		return fmt.Errorf("coordinates must be non-negative: %d,%d", x, y)
	}
	args := []string{"mousemove", "--sync", strconv.Itoa(x), strconv.Itoa(y), "click", buttonNum(button)}
	if out, err := in.tool.Run(ctx, args...); err != nil {
		return fmt.Errorf("click at %d,%d: %w (%s)", x, y, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ClickInWindow moves the pointer to window-relative coordinates and clicks.
func (in *Injector) ClickInWindow(ctx context.Context, wid string, x, y int, button string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	args := []string{"mousemove", "--window", wid, "--sync", strconv.Itoa(x), strconv.Itoa(y), "click", buttonNum(button)}
	if out, err := in.tool.Run(ctx, args...); err != nil {
		return fmt.Errorf("click in window %s at %d,%d: %w (%s)", wid, x, y, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// MouseMove moves the pointer to absolute display coordinates.
func (in *Injector) MouseMove(ctx context.Context, x, y int) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if out, err := in.tool.Run(ctx, "mousemove", "--sync", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return fmt.Errorf("mousemove to %d,%d: %w (%s)", x, y, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// MouseMoveInWindow moves the pointer to coordinates relative to a window.
func (in *Injector) MouseMoveInWindow(ctx context.Context, wid string, x, y int) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	args := []string{"mousemove", "--window", wid, "--sync", strconv.Itoa(x), strconv.Itoa(y)}
	if out, err := in.tool.Run(ctx, args...); err != nil {
		return fmt.Errorf("mousemove in window %s: %w (%s)", wid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// MouseDown presses and holds a pointer button.
func (in *Injector) MouseDown(ctx context.Context, button string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if out, err := in.tool.Run(ctx, "mousedown", buttonNum(button)); err != nil {
		return fmt.Errorf("mousedown: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// MouseUp releases a pointer button.
func (in *Injector) MouseUp(ctx context.Context, button string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if out, err := in.tool.Run(ctx, "mouseup", buttonNum(button)); err != nil {
		return fmt.Errorf("mouseup: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SendKeys sends one or more key presses, e.g. "ctrl+a", "Return".
func (in *Injector) SendKeys(ctx context.Context, keys ...string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	args := append([]string{"key"}, keys...)
	if out, err := in.tool.Run(ctx, args...); err != nil {
		return fmt.Errorf("key %v: %w (%s)", keys, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// TypeText types a literal string into the focused window.
func (in *Injector) TypeText(ctx context.Context, text string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if out, err := in.tool.Run(ctx, "type", "--", text); err != nil {
		return fmt.Errorf("type: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ResizeWindow resizes a window to the given size in pixels.
func (in *Injector) ResizeWindow(ctx context.Context, wid string, width, height int) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	args := []string{"windowsize", "--sync", wid, strconv.Itoa(width), strconv.Itoa(height)}
	if out, err := in.tool.Run(ctx, args...); err != nil {
		return fmt.Errorf("windowsize %s: %w (%s)", wid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// MinimizeWindow iconifies a window. Some toolkits need a minimize before
// the first activation to reliably take focus under virtual displays.
func (in *Injector) MinimizeWindow(ctx context.Context, wid string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	if out, err := in.tool.Run(ctx, "windowminimize", "--sync", wid); err != nil {
		return fmt.Errorf("windowminimize %s: %w (%s)", wid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WindowGeometry returns a window's position and size.
func (in *Injector) WindowGeometry(ctx context.Context, wid string) (Geometry, error) {
	if err := in.checkReady(); err != nil {
		return Geometry{}, err
	}
	out, err := in.tool.Run(ctx, "getwindowgeometry", "--shell", wid)
	if err != nil {
		return Geometry{}, fmt.Errorf("getwindowgeometry %s: %w (%s)", wid, err, strings.TrimSpace(string(out)))
	}
	kv := parseShellOutput(string(out))
	geo := Geometry{}
	var convErr error
	for key, dst := range map[string]*int{"X": &geo.X, "Y": &geo.Y, "WIDTH": &geo.Width, "HEIGHT": &geo.Height} {
		v, ok := kv[key]
		if !ok {
			return Geometry{}, fmt.Errorf("getwindowgeometry %s: missing %s in output", wid, key)
		}
		if *dst, convErr = strconv.Atoi(v); convErr != nil {
			return Geometry{}, fmt.Errorf("getwindowgeometry %s: bad %s=%q", wid, key, v)
		}
	}
	return geo, nil
}

// CloseWindow asks the window manager to close a window gracefully. wmctrl
// is used because xdotool windowclose misbehaves with EWMH window managers.
func (in *Injector) CloseWindow(ctx context.Context, wid string) error {
	if err := in.checkReady(); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, in.wmctrlBin, "-i", "-c", wid)
	cmd.Env = append(os.Environ(), fmt.Sprintf("DISPLAY=%s", in.display))
	if in.authority != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("XAUTHORITY=%s", in.authority))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("wmctrl close %s: %w (%s)", wid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parseShellOutput parses KEY=VALUE lines as emitted by xdotool --shell.
func parseShellOutput(output string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}
