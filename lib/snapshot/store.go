// Package snapshot captures PNG snapshots of a virtual display and compares
// them against committed golden references.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/probelab/uiprobe/lib/logger"
)

var (
	// ErrNoGolden is returned when a scenario references a golden
	// snapshot that has not been committed yet.
	ErrNoGolden = errors.New("snapshot: no golden reference")

	// ErrSessionNotReady is returned when capture is attempted before the
	// display session reached the Ready state.
	ErrSessionNotReady = errors.New("snapshot: session not ready")
)

// Gate reports whether the owning display session allows capture.
type Gate interface {
	Ready() bool
}

// Region restricts a capture to a sub-rectangle of the display.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Snapshot is one captured or loaded bitmap plus its metadata.
type Snapshot struct {
	Scenario   string
	Name       string
	CapturedAt time.Time
	Image      *image.NRGBA
	PNG        []byte
}

// Capturer produces a PNG of the current display state. The default
// implementation shells out to ffmpeg; tests substitute a fake.
type Capturer interface {
	CapturePNG(ctx context.Context, region *Region) ([]byte, error)
}

// Store captures candidate snapshots and loads golden references from a
// fixed directory tree: <goldenRoot>/<scenario>/<name>.png.
type Store struct {
	capturer   Capturer
	gate       Gate
	goldenRoot string
}

// NewStore returns a Store reading goldens beneath goldenRoot.
func NewStore(capturer Capturer, gate Gate, goldenRoot string) *Store {
	return &Store{capturer: capturer, gate: gate, goldenRoot: goldenRoot}
}

// Capture takes a snapshot of the display (or a region of it) at call time.
func (st *Store) Capture(ctx context.Context, scenario, name string, region *Region) (*Snapshot, error) {
	if st.gate != nil && !st.gate.Ready() {
		return nil, ErrSessionNotReady
	}
	log := logger.FromContext(ctx)
	data, err := st.capturer.CapturePNG(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("capture %s/%s: %w", scenario, name, err)
	}
	img, err := decodeNRGBA(data)
	if err != nil {
		return nil, fmt.Errorf("capture %s/%s: %w", scenario, name, err)
	}
	log.Debug("captured snapshot", "scenario", scenario, "name", name,
		"width", img.Rect.Dx(), "height", img.Rect.Dy())
	return &Snapshot{
		Scenario:   scenario,
		Name:       name,
		CapturedAt: time.Now(),
		Image:      img,
		PNG:        data,
	}, nil
}

// GoldenPath returns the stable on-disk location of a golden reference.
func (st *Store) GoldenPath(scenario, name string) string {
	return filepath.Join(st.goldenRoot, scenario, name+".png")
}

// LoadGolden reads the committed reference for a scenario snapshot.
func (st *Store) LoadGolden(scenario, name string) (*Snapshot, error) {
	path := st.GoldenPath(scenario, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoGolden, path)
		}
		return nil, fmt.Errorf("load golden %s: %w", path, err)
	}
	img, err := decodeNRGBA(data)
	if err != nil {
		return nil, fmt.Errorf("load golden %s: %w", path, err)
	}
	return &Snapshot{Scenario: scenario, Name: name, Image: img, PNG: data}, nil
}

// UpdateGolden accepts a candidate as the new committed reference. This is
// the only operation that mutates goldens; a test run never does.
func (st *Store) UpdateGolden(ctx context.Context, candidate *Snapshot) error {
	path := st.GoldenPath(candidate.Scenario, candidate.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("update golden %s: %w", path, err)
	}
	if err := os.WriteFile(path, candidate.PNG, 0o644); err != nil {
		return fmt.Errorf("update golden %s: %w", path, err)
	}
	logger.FromContext(ctx).Info("golden updated", "path", path)
	return nil
}

// decodeNRGBA decodes PNG bytes and normalizes the pixel format so compare
// never depends on the encoder's choice of color model.
func decodeNRGBA(data []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba, nil
	}
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out, nil
}

// FFmpegCapturer grabs frames from an X11 display via ffmpeg's x11grab
// input device and emits them as PNG.
type FFmpegCapturer struct {
	FFmpegPath string
	Display    string
	Authority  string
	Width      int // full-frame capture size
	Height     int
}

// CapturePNG implements Capturer.
func (c *FFmpegCapturer) CapturePNG(ctx context.Context, region *Region) ([]byte, error) {
	if region != nil {
		if region.X < 0 || region.Y < 0 {
			return nil, fmt.Errorf("region coordinates must be non-negative")
		}
		if region.Width <= 0 || region.Height <= 0 {
			return nil, fmt.Errorf("region width and height must be positive")
		}
		if region.X+region.Width > c.Width || region.Y+region.Height > c.Height {
			return nil, fmt.Errorf("region exceeds screen bounds (screen: %dx%d, region: %d,%d %dx%d)",
				c.Width, c.Height, region.X, region.Y, region.Width, region.Height)
		}
	}

	args := []string{
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-i", c.Display,
		"-vframes", "1",
	}
	if region != nil {
		args = append(args, "-vf", fmt.Sprintf("crop=%d:%d:%d:%d", region.Width, region.Height, region.X, region.Y))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "png", "-")

	bin := c.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("DISPLAY=%s", c.Display))
	if c.Authority != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("XAUTHORITY=%s", c.Authority))
	}

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("screenshot capture failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return output, nil
}
