// Package display manages the lifecycle of a virtual X11 session: an Xvfb
// server plus a window manager, with readiness probing and guaranteed
// teardown.
package display

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/probelab/uiprobe/lib/logger"
	"github.com/probelab/uiprobe/lib/poll"
)

var (
	// ErrStartFailed is returned when the display server cannot be
	// launched at all (missing binary, display number in use). It aborts
	// the whole harness run.
	ErrStartFailed = errors.New("display: session start failed")

	// ErrNotReady is returned when the session does not become
	// interactive within the readiness budget.
	ErrNotReady = errors.New("display: session never became ready")
)

// State is the lifecycle state of a Session.
type State int32

const (
	Starting State = iota
	Ready
	Failed
	TornDown
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case TornDown:
		return "torn down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds everything needed to launch one virtual display.
type Config struct {
	DisplayNum int
	Width      int
	Height     int
	Depth      int

	XvfbPath     string // display server binary
	WMPath       string // window manager binary, started once the display accepts connections
	XauthPath    string // xauth binary; access control is skipped if launching it fails
	XdpyinfoPath string // readiness probe binary
	WmctrlPath   string // window manager liveness probe binary ("wmctrl -m")

	ReadyPoll poll.Config // interval/timeout for both readiness probes
	GraceStop time.Duration
}

// Defaults fills zero values so a partially populated Config is usable.
func (c Config) Defaults() Config {
	if c.Width == 0 {
		c.Width = 1024
	}
	if c.Height == 0 {
		c.Height = 768
	}
	if c.Depth == 0 {
		c.Depth = 24
	}
	if c.XvfbPath == "" {
		c.XvfbPath = "Xvfb"
	}
	if c.WMPath == "" {
		c.WMPath = "openbox"
	}
	if c.XauthPath == "" {
		c.XauthPath = "xauth"
	}
	if c.XdpyinfoPath == "" {
		c.XdpyinfoPath = "xdpyinfo"
	}
	if c.WmctrlPath == "" {
		c.WmctrlPath = "wmctrl"
	}
	if c.ReadyPoll.Interval == 0 {
		c.ReadyPoll.Interval = 200 * time.Millisecond
	}
	if c.ReadyPoll.Timeout == 0 {
		c.ReadyPoll.Timeout = 10 * time.Second
	}
	if c.GraceStop == 0 {
		c.GraceStop = 2 * time.Second
	}
	return c
}

// Session is one live virtual display. It is the only shared mutable
// resource in a harness run; input and capture operations are refused
// unless the state is Ready.
type Session struct {
	ID        string
	Addr      string // ":<num>"
	Authority string // XAUTHORITY file path, may be empty

	cfg   Config
	xvfb  *exec.Cmd
	wm    *exec.Cmd
	state atomic.Int32

	teardownOnce sync.Once
	xvfbDone     chan struct{}
	wmDone       chan struct{}
}

// Start launches the Xvfb server for the configured display. It does not
// wait for the display to become interactive; call WaitReady next. Teardown
// is safe to call even when Start returns an error alongside a session.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.Defaults()
	log := logger.FromContext(ctx)

	s := &Session{
		ID:       uuid.NewString(),
		Addr:     fmt.Sprintf(":%d", cfg.DisplayNum),
		cfg:      cfg,
		xvfbDone: make(chan struct{}),
		wmDone:   make(chan struct{}),
	}
	s.state.Store(int32(Starting))

	if err := s.writeAuthority(ctx); err != nil {
		// Access control is best effort: inside the harness container the
		// display is not reachable from outside anyway.
		log.Warn("failed to set up X authority, continuing without", "err", err)
		s.Authority = ""
	}

	args := []string{
		s.Addr,
		"-screen", "0", fmt.Sprintf("%dx%dx%d", cfg.Width, cfg.Height, cfg.Depth),
		"-nolisten", "tcp",
	}
	if s.Authority != "" {
		args = append(args, "-auth", s.Authority)
	}
	cmd := exec.Command(cfg.XvfbPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		s.state.Store(int32(Failed))
		return s, fmt.Errorf("%w: launch %s: %v", ErrStartFailed, cfg.XvfbPath, err)
	}
	s.xvfb = cmd
	log.Info("display server starting", "session_id", s.ID, "display", s.Addr, "pid", cmd.Process.Pid)

	go func() {
		defer close(s.xvfbDone)
		err := cmd.Wait()
		if s.State() == Starting || s.State() == Ready {
			log.Warn("display server exited unexpectedly", "display", s.Addr, "err", err)
			s.state.CompareAndSwap(int32(Starting), int32(Failed))
			s.state.CompareAndSwap(int32(Ready), int32(Failed))
		}
	}()

	return s, nil
}

// writeAuthority generates a random MIT-MAGIC-COOKIE-1 for the display and
// stores it in a fresh XAUTHORITY file.
func (s *Session) writeAuthority(ctx context.Context) error {
	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return fmt.Errorf("generate cookie: %w", err)
	}
	f, err := os.CreateTemp("", "uiprobe-xauth-")
	if err != nil {
		return fmt.Errorf("create authority file: %w", err)
	}
	f.Close()

	cmd := exec.CommandContext(ctx, s.cfg.XauthPath, "-f", f.Name(), "add", s.Addr, "MIT-MAGIC-COOKIE-1", hex.EncodeToString(cookie))
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("xauth add: %w (%s)", err, string(out))
	}
	s.Authority = f.Name()
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether input and capture operations are allowed.
func (s *Session) Ready() bool {
	return s.State() == Ready
}

// Env returns the environment variables child processes need to render on
// this display.
func (s *Session) Env() []string {
	env := []string{fmt.Sprintf("DISPLAY=%s", s.Addr)}
	if s.Authority != "" {
		env = append(env, fmt.Sprintf("XAUTHORITY=%s", s.Authority))
	}
	return env
}

// WaitReady blocks until the display accepts connections and the window
// manager is live, or the readiness budget is spent. The window manager is
// only started once the display itself responds; starting it earlier races
// with the X server accepting clients.
func (s *Session) WaitReady(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if st := s.State(); st != Starting {
		return fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}

	probe := func(bin string, args ...string) func(context.Context) error {
		return func(ctx context.Context) error {
			cmd := exec.CommandContext(ctx, bin, args...)
			cmd.Env = append(os.Environ(), s.Env()...)
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("%s: %w (%s)", bin, err, firstLine(out))
			}
			return nil
		}
	}

	if err := poll.Until(ctx, s.cfg.ReadyPoll, probe(s.cfg.XdpyinfoPath)); err != nil {
		s.state.Store(int32(Failed))
		return fmt.Errorf("%w: display %s: %v", ErrNotReady, s.Addr, err)
	}
	log.Debug("display accepting connections", "display", s.Addr)

	wm := exec.Command(s.cfg.WMPath)
	wm.Env = append(os.Environ(), s.Env()...)
	wm.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := wm.Start(); err != nil {
		s.state.Store(int32(Failed))
		return fmt.Errorf("%w: launch window manager %s: %v", ErrNotReady, s.cfg.WMPath, err)
	}
	s.wm = wm
	go func() {
		defer close(s.wmDone)
		wm.Wait()
	}()

	if err := poll.Until(ctx, s.cfg.ReadyPoll, probe(s.cfg.WmctrlPath, "-m")); err != nil {
		s.state.Store(int32(Failed))
		return fmt.Errorf("%w: window manager on %s: %v", ErrNotReady, s.Addr, err)
	}

	if !s.state.CompareAndSwap(int32(Starting), int32(Ready)) {
		return fmt.Errorf("%w: session is %s", ErrNotReady, s.State())
	}
	log.Info("display session ready", "session_id", s.ID, "display", s.Addr)
	return nil
}

// Teardown terminates the window manager and the display server. It is
// idempotent and safe on every exit path, including after a failed Start.
// Processes get GraceStop to exit after SIGTERM before their process group
// is killed.
func (s *Session) Teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		log := logger.FromContext(ctx)
		s.state.Store(int32(TornDown))

		stop := func(cmd *exec.Cmd, done chan struct{}, name string) {
			if cmd == nil || cmd.Process == nil {
				return
			}
			pid := cmd.Process.Pid
			if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
				log.Debug("SIGTERM failed", "process", name, "pid", pid, "err", err)
			}
			select {
			case <-done:
			case <-time.After(s.cfg.GraceStop):
				log.Warn("process did not exit in grace period, killing", "process", name, "pid", pid)
				unix.Kill(-pid, unix.SIGKILL)
				<-done
			}
		}

		stop(s.wm, s.wmDone, "window manager")
		stop(s.xvfb, s.xvfbDone, "display server")

		// Release the display number for subsequent sessions.
		os.Remove(filepath.Join("/tmp", fmt.Sprintf(".X%d-lock", s.cfg.DisplayNum)))
		if s.Authority != "" {
			os.Remove(s.Authority)
		}
		log.Info("display session torn down", "session_id", s.ID, "display", s.Addr)
	})
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
