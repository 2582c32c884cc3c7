package runner

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/uiprobe/lib/artifacts"
	"github.com/probelab/uiprobe/lib/poll"
	"github.com/probelab/uiprobe/lib/scenario"
	"github.com/probelab/uiprobe/lib/snapshot"
	"github.com/probelab/uiprobe/lib/xdo"
)

// fakeTool answers xdotool invocations by verb. A window search always
// finds window 7777 unless findNothing is set.
type fakeTool struct {
	calls       [][]string
	findNothing bool
}

func (f *fakeTool) Run(_ context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	switch args[0] {
	case "search":
		if f.findNothing {
			return nil, nil
		}
		return []byte("7777\n"), nil
	case "getwindowgeometry":
		return []byte("WINDOW=7777\nX=0\nY=0\nWIDTH=4\nHEIGHT=4\nSCREEN=0\n"), nil
	default:
		return nil, nil
	}
}

type readyGate bool

func (g readyGate) Ready() bool { return bool(g) }

type fakeCapturer struct {
	data []byte
}

func (f *fakeCapturer) CapturePNG(_ context.Context, _ *snapshot.Region) ([]byte, error) {
	return f.data, nil
}

func encodePNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	runner     *Runner
	tool       *fakeTool
	goldenRoot string
	artRoot    string
}

// newFixture builds a runner whose app under test is plain "sleep" and
// whose display interactions are faked.
func newFixture(t *testing.T, scenarios []*scenario.Scenario, captured []byte, opts Options) *fixture {
	t.Helper()
	goldenRoot := t.TempDir()
	artRoot := filepath.Join(t.TempDir(), "artifacts")

	tool := &fakeTool{}
	inj := xdo.NewInjector(tool, readyGate(true),
		xdo.WithWindowPoll(poll.Config{Interval: time.Millisecond, Timeout: 20 * time.Millisecond}))
	store := snapshot.NewStore(&fakeCapturer{data: captured}, readyGate(true), goldenRoot)

	if opts.AppPath == "" {
		opts.AppPath = "sleep"
	}
	opts.GraceStop = 500 * time.Millisecond
	r := New(scenarios, inj, store, artifacts.New(artRoot), opts)
	return &fixture{runner: r, tool: tool, goldenRoot: goldenRoot, artRoot: artRoot}
}

func writeGolden(t *testing.T, root, scenarioName, name string, data []byte) {
	t.Helper()
	dir := filepath.Join(root, scenarioName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".png"), data, 0o644))
}

func clickScenario(name string) *scenario.Scenario {
	return &scenario.Scenario{
		Name:    name,
		AppArgs: []string{"30"},
		Steps: []scenario.Step{
			{ActivateWindow: &xdo.Match{Title: "MainWindow"}},
			{Click: &scenario.ClickStep{X: 100, Y: 50}},
			{Snapshot: &scenario.SnapshotStep{Name: "after-click"}},
		},
	}
}

func TestRun_UnknownScenario(t *testing.T) {
	fx := newFixture(t, nil, nil, Options{})
	_, err := fx.runner.Run(context.Background(), "nonexistent-scenario")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownScenario)
	assert.Empty(t, fx.tool.calls, "an unknown scenario must not touch the session")
}

func TestRun_PassedWithZeroArtifacts(t *testing.T) {
	data := encodePNG(t, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	sc := clickScenario("open-and-click-button")
	fx := newFixture(t, []*scenario.Scenario{sc}, data, Options{})
	writeGolden(t, fx.goldenRoot, sc.Name, "after-click", data)

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Passed, res.Status)
	assert.Empty(t, res.Artifacts)
	_, statErr := os.Stat(fx.artRoot)
	assert.True(t, os.IsNotExist(statErr), "a passed scenario must write zero artifact files")
}

func TestRun_MismatchIsFailed(t *testing.T) {
	sc := clickScenario("open-and-click-button")
	fx := newFixture(t, []*scenario.Scenario{sc},
		encodePNG(t, color.NRGBA{R: 200, A: 255}), Options{})
	writeGolden(t, fx.goldenRoot, sc.Name, "after-click",
		encodePNG(t, color.NRGBA{R: 1, A: 255}))

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Contains(t, res.Reason, "snapshot mismatch")

	candidate := filepath.Join(fx.artRoot, sc.Name, "after-click.candidate.png")
	assert.FileExists(t, candidate)
	assert.Contains(t, res.Artifacts, candidate)
	assert.FileExists(t, filepath.Join(fx.artRoot, sc.Name, "failure.txt"))
}

func TestRun_MissingGoldenIsFailed(t *testing.T) {
	sc := clickScenario("fresh-scenario")
	fx := newFixture(t, []*scenario.Scenario{sc},
		encodePNG(t, color.NRGBA{R: 5, A: 255}), Options{})

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Status)
	assert.Contains(t, res.Reason, "no golden reference")
}

func TestRun_UpdateGoldensAcceptsCandidate(t *testing.T) {
	data := encodePNG(t, color.NRGBA{R: 5, A: 255})
	sc := clickScenario("fresh-scenario")
	fx := newFixture(t, []*scenario.Scenario{sc}, data, Options{UpdateGoldens: true})

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Passed, res.Status)
	assert.Contains(t, res.Reason, "golden snapshot(s) updated")
	assert.FileExists(t, filepath.Join(fx.goldenRoot, sc.Name, "after-click.png"))

	// A second run against the accepted golden passes cleanly.
	res, err = fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Passed, res.Status)
	assert.Empty(t, res.Reason)
}

func TestRun_LaunchFailureIsErrored(t *testing.T) {
	sc := clickScenario("launch-failure")
	fx := newFixture(t, []*scenario.Scenario{sc}, nil, Options{
		AppPath: filepath.Join(t.TempDir(), "no-such-binary"),
	})

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Errored, res.Status)
	assert.Contains(t, res.Reason, "launch failed")
}

func TestRun_WindowTimeoutIsErrored(t *testing.T) {
	sc := clickScenario("window-timeout")
	fx := newFixture(t, []*scenario.Scenario{sc}, nil, Options{})
	fx.tool.findNothing = true

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Errored, res.Status)
	assert.Contains(t, res.Reason, "readiness probe failed")
}

func TestRun_AppExitBeforeWindowIsErrored(t *testing.T) {
	sc := clickScenario("early-exit")
	// "sleep 0" exits immediately, before any window can appear.
	sc.AppArgs = []string{"0"}
	fx := newFixture(t, []*scenario.Scenario{sc}, nil, Options{})
	fx.tool.findNothing = true

	res, err := fx.runner.Run(context.Background(), sc.Name)
	require.NoError(t, err)
	assert.Equal(t, Errored, res.Status)
	assert.Contains(t, res.Reason, "exited before showing a window")
}

func TestRunAll_FilterAndOrder(t *testing.T) {
	data := encodePNG(t, color.NRGBA{R: 1, A: 255})
	scA := clickScenario("scroll-bar")
	scB := clickScenario("scroll-bar-resize")
	scC := clickScenario("text-input")
	fx := newFixture(t, []*scenario.Scenario{scA, scB, scC}, data, Options{})
	for _, sc := range []*scenario.Scenario{scA, scB, scC} {
		writeGolden(t, fx.goldenRoot, sc.Name, "after-click", data)
	}

	summary := fx.runner.RunAll(context.Background(), "scroll")
	assert.Equal(t, 2, summary.Total())
	assert.Equal(t, 2, summary.Passed())
	assert.Equal(t, "scroll-bar", summary.Results[0].Scenario)
	assert.Equal(t, "scroll-bar-resize", summary.Results[1].Scenario)

	empty := fx.runner.RunAll(context.Background(), "nonexistent")
	assert.Equal(t, 0, empty.Total())
	assert.Equal(t, 0, empty.ExitCode(), "zero executed scenarios is not an error by itself")
}

func TestRunAll_OneFaultDoesNotStopTheRun(t *testing.T) {
	data := encodePNG(t, color.NRGBA{R: 1, A: 255})
	bad := clickScenario("a-bad")
	bad.Steps[0].ActivateWindow = &xdo.Match{} // empty match criteria, step errors
	good := clickScenario("b-good")
	fx := newFixture(t, []*scenario.Scenario{bad, good}, data, Options{})
	writeGolden(t, fx.goldenRoot, good.Name, "after-click", data)

	summary := fx.runner.RunAll(context.Background(), "")
	require.Equal(t, 2, summary.Total())
	assert.Equal(t, Errored, summary.Results[0].Status)
	assert.Equal(t, Passed, summary.Results[1].Status)
	assert.Equal(t, 2, summary.ExitCode())
}

func TestRunAll_CancelledBetweenScenarios(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx := newFixture(t, []*scenario.Scenario{clickScenario("never-runs")}, nil, Options{})

	summary := fx.runner.RunAll(ctx, "")
	assert.Equal(t, 0, summary.Total())
	assert.Empty(t, fx.tool.calls)
}

func TestNames(t *testing.T) {
	fx := newFixture(t, []*scenario.Scenario{clickScenario("a"), clickScenario("b")}, nil, Options{})
	assert.Equal(t, []string{"a", "b"}, fx.runner.Names())
}
