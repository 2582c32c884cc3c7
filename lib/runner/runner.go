// Package runner executes test scenarios against a live display session:
// it launches the application under test, waits for its window, drives the
// scenario steps, and judges snapshots against golden references.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/probelab/uiprobe/lib/artifacts"
	"github.com/probelab/uiprobe/lib/logger"
	"github.com/probelab/uiprobe/lib/scenario"
	"github.com/probelab/uiprobe/lib/snapshot"
	"github.com/probelab/uiprobe/lib/xdo"
)

// ErrUnknownScenario is returned by Run for a name that was not discovered.
// The display session is not touched in that case.
var ErrUnknownScenario = errors.New("runner: unknown scenario")

// Phase is the per-scenario execution phase, used in logs and error reasons.
type Phase string

const (
	PhaseNotStarted        Phase = "not started"
	PhaseLaunchingApp      Phase = "launching app"
	PhaseAwaitingReady     Phase = "awaiting ready"
	PhaseExecuting         Phase = "executing"
	PhaseCapturingSnapshot Phase = "capturing snapshot"
	PhaseComparing         Phase = "comparing"
)

// Options configures a Runner.
type Options struct {
	// AppPath is the application-under-test binary.
	AppPath string
	// AppEnv is appended to the harness environment for the app process
	// (display address, authority, backtrace verbosity).
	AppEnv []string
	// StepDelay is an optional settle delay inserted after input steps.
	StepDelay time.Duration
	// UpdateGoldens accepts candidates as new golden references instead
	// of failing on mismatch or missing golden.
	UpdateGoldens bool
	// GraceStop bounds how long the app gets to exit after SIGTERM.
	GraceStop time.Duration
}

// Runner executes scenarios sequentially. Scenarios share one display
// session and must not interleave, so a Runner is not safe for concurrent
// use.
type Runner struct {
	scenarios []*scenario.Scenario
	byName    map[string]*scenario.Scenario
	inj       *xdo.Injector
	store     *snapshot.Store
	art       *artifacts.Dir
	opts      Options
}

// New returns a Runner over the discovered scenarios.
func New(scenarios []*scenario.Scenario, inj *xdo.Injector, store *snapshot.Store, art *artifacts.Dir, opts Options) *Runner {
	if opts.GraceStop == 0 {
		opts.GraceStop = 2 * time.Second
	}
	byName := make(map[string]*scenario.Scenario, len(scenarios))
	for _, sc := range scenarios {
		byName[sc.Name] = sc
	}
	return &Runner{scenarios: scenarios, byName: byName, inj: inj, store: store, art: art, opts: opts}
}

// Names returns the discovered scenario names in execution order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.scenarios))
	for i, sc := range r.scenarios {
		names[i] = sc.Name
	}
	return names
}

// Run executes one scenario by exact name.
func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	sc, ok := r.byName[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	return r.runScenario(ctx, sc), nil
}

// RunAll executes every scenario whose name contains filter, in discovery
// order. A cancelled context stops the loop between scenarios; results
// gathered so far are returned.
func (r *Runner) RunAll(ctx context.Context, filter string) Summary {
	summary := NewSummary()
	for _, sc := range scenario.Filter(r.scenarios, filter) {
		if ctx.Err() != nil {
			break
		}
		summary.Add(r.runScenario(ctx, sc))
	}
	summary.Finish()
	return summary
}

// runScenario drives one scenario through its state machine. Every fault is
// absorbed here and converted into a Result; one scenario's failure must
// never terminate the run.
func (r *Runner) runScenario(ctx context.Context, sc *scenario.Scenario) Result {
	log := logger.FromContext(ctx).With("scenario", sc.Name)
	ctx = logger.AddToContext(ctx, log)
	start := time.Now()

	ex := &execution{runner: r, sc: sc, phase: PhaseNotStarted}
	status, reason := ex.run(ctx)
	ex.stopApp(ctx)

	res := Result{
		Scenario: sc.Name,
		Status:   status,
		Reason:   reason,
		Duration: time.Since(start),
	}
	if status != Passed {
		res.Artifacts = ex.persistArtifacts(ctx, status)
		if reason != "" {
			if path, err := r.art.WriteFailure(sc.Name, reason); err == nil {
				res.Artifacts = append(res.Artifacts, path)
			} else {
				log.Error("failed to persist failure reason", "err", err)
			}
		}
	}
	log.Info("scenario finished", "status", status, "duration", res.Duration, "reason", reason)
	return res
}

// execution is the mutable state of one scenario run.
type execution struct {
	runner *Runner
	sc     *scenario.Scenario
	phase  Phase

	app     *exec.Cmd
	appDone chan error
	output  bytes.Buffer

	wid string // current window, set by the readiness probe and activate steps

	captured   []*snapshot.Snapshot // all candidates, persisted when Errored
	mismatched []*snapshot.Snapshot // mismatching candidates, persisted when Failed
	mismatches []string
	updated    int
}

// run returns the terminal status and reason. Panics in step execution are
// converted to Errored at this boundary.
func (ex *execution) run(ctx context.Context) (status Status, reason string) {
	defer func() {
		if p := recover(); p != nil {
			status = Errored
			reason = fmt.Sprintf("panic during %s: %v", ex.phase, p)
		}
	}()
	log := logger.FromContext(ctx)

	ex.phase = PhaseLaunchingApp
	if err := ex.launchApp(ctx); err != nil {
		return Errored, fmt.Sprintf("launch failed: %v", err)
	}

	ex.phase = PhaseAwaitingReady
	wid, err := ex.runner.inj.WaitForWindowByPID(ctx, ex.app.Process.Pid)
	if err != nil {
		if exitErr := ex.appExited(); exitErr != nil {
			return Errored, fmt.Sprintf("application exited before showing a window: %v", exitErr)
		}
		return Errored, fmt.Sprintf("readiness probe failed: %v", err)
	}
	ex.wid = wid
	log.Debug("application window present", "wid", wid)

	ex.phase = PhaseExecuting
	for i, step := range ex.sc.Steps {
		if err := ex.applyStep(ctx, i, step); err != nil {
			return Errored, fmt.Sprintf("step %d (%s): %v", i, step.Kind(), err)
		}
	}

	if len(ex.mismatches) > 0 {
		return Failed, fmt.Sprintf("snapshot mismatch: %v", ex.mismatches)
	}
	if ex.updated > 0 {
		return Passed, fmt.Sprintf("%d golden snapshot(s) updated", ex.updated)
	}
	return Passed, ""
}

func (ex *execution) launchApp(ctx context.Context) error {
	args := ex.sc.AppArgs
	if len(args) == 0 {
		args = []string{ex.sc.Name}
	}
	cmd := exec.Command(ex.runner.opts.AppPath, args...)
	cmd.Env = append(os.Environ(), ex.runner.opts.AppEnv...)
	cmd.Stdout = &ex.output
	cmd.Stderr = &ex.output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	ex.app = cmd
	ex.appDone = make(chan error, 1)
	go func() { ex.appDone <- cmd.Wait() }()
	logger.FromContext(ctx).Debug("application launched", "path", ex.runner.opts.AppPath, "args", args, "pid", cmd.Process.Pid)
	return nil
}

// appExited reports a non-nil error if the app already terminated.
func (ex *execution) appExited() error {
	select {
	case err := <-ex.appDone:
		if err == nil {
			err = errors.New("exited with status 0")
		}
		ex.appDone <- err
		return err
	default:
		return nil
	}
}

// stopApp terminates the application under test, forcefully if it ignores
// SIGTERM beyond the grace period. Safe when launch never happened.
func (ex *execution) stopApp(ctx context.Context) {
	if ex.app == nil || ex.app.Process == nil {
		return
	}
	pid := ex.app.Process.Pid
	unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-ex.appDone:
	case <-time.After(ex.runner.opts.GraceStop):
		logger.FromContext(ctx).Warn("application did not exit in grace period, killing", "pid", pid)
		unix.Kill(-pid, unix.SIGKILL)
		<-ex.appDone
	}
}

func (ex *execution) applyStep(ctx context.Context, i int, step scenario.Step) error {
	log := logger.FromContext(ctx)
	log.Debug("applying step", "index", i, "kind", step.Kind())
	inj := ex.runner.inj

	var err error
	switch {
	case step.ActivateWindow != nil:
		var wid string
		if wid, err = inj.ActivateWindow(ctx, *step.ActivateWindow); err == nil {
			ex.wid = wid
		}
	case step.Click != nil:
		if step.Click.InWindow {
			err = inj.ClickInWindow(ctx, ex.wid, step.Click.X, step.Click.Y, step.Click.Button)
		} else {
			err = inj.Click(ctx, step.Click.X, step.Click.Y, step.Click.Button)
		}
	case step.MouseMove != nil:
		if step.MouseMove.InWindow {
			err = inj.MouseMoveInWindow(ctx, ex.wid, step.MouseMove.X, step.MouseMove.Y)
		} else {
			err = inj.MouseMove(ctx, step.MouseMove.X, step.MouseMove.Y)
		}
	case step.MouseDown != nil:
		err = inj.MouseDown(ctx, step.MouseDown.Button)
	case step.MouseUp != nil:
		err = inj.MouseUp(ctx, step.MouseUp.Button)
	case len(step.Keys) > 0:
		err = inj.SendKeys(ctx, step.Keys...)
	case step.Type != nil:
		if err = inj.TypeText(ctx, step.Type.Text); err == nil && step.Type.Enter {
			err = inj.SendKeys(ctx, "Return")
		}
	case step.Resize != nil:
		err = inj.ResizeWindow(ctx, ex.wid, step.Resize.Width, step.Resize.Height)
	case step.Minimize:
		err = inj.MinimizeWindow(ctx, ex.wid)
	case step.Wait != nil:
		err = sleepCtx(ctx, time.Duration(step.Wait.Ms)*time.Millisecond)
	case step.Snapshot != nil:
		return ex.applySnapshotStep(ctx, step.Snapshot)
	case step.CloseWindow:
		err = inj.CloseWindow(ctx, ex.wid)
	default:
		err = fmt.Errorf("unsupported step")
	}
	if err != nil {
		return err
	}
	if d := ex.runner.opts.StepDelay; d > 0 && step.Wait == nil {
		return sleepCtx(ctx, d)
	}
	return nil
}

// applySnapshotStep captures a candidate and judges it against the golden
// reference of the same name. Mismatches are recorded and execution
// continues so later snapshots of the scenario are still reported.
func (ex *execution) applySnapshotStep(ctx context.Context, step *scenario.SnapshotStep) error {
	log := logger.FromContext(ctx)

	ex.phase = PhaseCapturingSnapshot
	var region *snapshot.Region
	if !step.FullScreen {
		geo, err := ex.runner.inj.WindowGeometry(ctx, ex.wid)
		if err != nil {
			return fmt.Errorf("window geometry: %w", err)
		}
		region = &snapshot.Region{X: geo.X, Y: geo.Y, Width: geo.Width, Height: geo.Height}
	}
	candidate, err := ex.runner.store.Capture(ctx, ex.sc.Name, step.Name, region)
	if err != nil {
		return err
	}
	ex.captured = append(ex.captured, candidate)

	ex.phase = PhaseComparing
	golden, err := ex.runner.store.LoadGolden(ex.sc.Name, step.Name)
	if err != nil {
		if errors.Is(err, snapshot.ErrNoGolden) {
			if ex.runner.opts.UpdateGoldens {
				ex.updated++
				return ex.runner.store.UpdateGolden(ctx, candidate)
			}
			ex.mismatched = append(ex.mismatched, candidate)
			ex.mismatches = append(ex.mismatches, fmt.Sprintf("%s: no golden reference, run with -update to accept", step.Name))
			ex.phase = PhaseExecuting
			return nil
		}
		return err
	}

	result := snapshot.Compare(candidate, golden, ex.sc.Compare)
	if !result.Match {
		if ex.runner.opts.UpdateGoldens {
			ex.updated++
			return ex.runner.store.UpdateGolden(ctx, candidate)
		}
		log.Warn("snapshot mismatch", "name", step.Name, "diff", result.Summary())
		ex.mismatched = append(ex.mismatched, candidate)
		ex.mismatches = append(ex.mismatches, fmt.Sprintf("%s: %s", step.Name, result.Summary()))
	}
	ex.phase = PhaseExecuting
	return nil
}

// persistArtifacts writes candidates, the app log and the failure reason
// for a non-passed result and returns the written paths. Nothing is ever
// written for a Passed result.
func (ex *execution) persistArtifacts(ctx context.Context, status Status) []string {
	log := logger.FromContext(ctx)
	art := ex.runner.art

	candidates := ex.mismatched
	if status == Errored {
		candidates = ex.captured
	}

	var paths []string
	for _, c := range candidates {
		path, err := art.WriteCandidate(c.Scenario, c.Name, c.PNG)
		if err != nil {
			log.Error("failed to persist candidate", "err", err)
			continue
		}
		paths = append(paths, path)
	}
	if ex.output.Len() > 0 {
		if path, err := art.WriteAppLog(ex.sc.Name, ex.output.Bytes()); err == nil {
			paths = append(paths, path)
		} else {
			log.Error("failed to persist app log", "err", err)
		}
	}
	return paths
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
