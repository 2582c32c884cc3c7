package snapshot

import (
	"fmt"
	"image"
)

// Mode selects the comparison policy for a scenario.
type Mode string

const (
	// Exact requires pixel-for-pixel equality.
	Exact Mode = "exact"
	// Tolerant allows bounded per-channel deltas on a bounded number of
	// pixels, for environments with rendering non-determinism (font
	// hinting, driver variance).
	Tolerant Mode = "tolerant"
)

// Policy is the per-scenario comparison configuration.
type Policy struct {
	Mode Mode `json:"mode,omitempty"`
	// MaxChannelDelta is the largest accepted difference per color
	// channel in tolerant mode.
	MaxChannelDelta uint8 `json:"max_channel_delta,omitempty"`
	// MaxDiffPixels is the number of pixels allowed to exceed
	// MaxChannelDelta in tolerant mode.
	MaxDiffPixels int `json:"max_diff_pixels,omitempty"`
}

// Validate rejects unknown modes early, at scenario load time.
func (p Policy) Validate() error {
	switch p.Mode {
	case "", Exact, Tolerant:
		return nil
	default:
		return fmt.Errorf("snapshot: unknown compare mode %q", p.Mode)
	}
}

func (p Policy) mode() Mode {
	if p.Mode == "" {
		return Exact
	}
	return p.Mode
}

// Result is the outcome of comparing a candidate against a golden.
type Result struct {
	Match           bool
	TotalPixels     int
	DiffPixels      int // pixels differing beyond the policy's channel delta
	MaxChannelDelta uint8
	DiffBounds      image.Rectangle // bounding box of differing pixels
	Reason          string          // set on mismatch
}

// Summary renders a one-line human-readable description of a mismatch.
func (r Result) Summary() string {
	if r.Match {
		return "match"
	}
	return r.Reason
}

// Compare checks a candidate snapshot against its golden counterpart. It is
// pure: no I/O, deterministic for identical inputs.
func Compare(candidate, golden *Snapshot, policy Policy) Result {
	cb, gb := candidate.Image.Bounds(), golden.Image.Bounds()
	res := Result{TotalPixels: gb.Dx() * gb.Dy()}

	if cb.Dx() != gb.Dx() || cb.Dy() != gb.Dy() {
		res.Reason = fmt.Sprintf("dimension mismatch: candidate %dx%d, golden %dx%d",
			cb.Dx(), cb.Dy(), gb.Dx(), gb.Dy())
		return res
	}

	threshold := uint8(0)
	if policy.mode() == Tolerant {
		threshold = policy.MaxChannelDelta
	}

	for y := 0; y < gb.Dy(); y++ {
		for x := 0; x < gb.Dx(); x++ {
			delta := pixelDelta(candidate.Image, cb, golden.Image, gb, x, y)
			if delta > res.MaxChannelDelta {
				res.MaxChannelDelta = delta
			}
			if delta > threshold {
				pt := image.Rect(x, y, x+1, y+1)
				if res.DiffPixels == 0 {
					res.DiffBounds = pt
				} else {
					res.DiffBounds = res.DiffBounds.Union(pt)
				}
				res.DiffPixels++
			}
		}
	}

	switch policy.mode() {
	case Tolerant:
		res.Match = res.DiffPixels <= policy.MaxDiffPixels
	default:
		res.Match = res.DiffPixels == 0
	}
	if !res.Match {
		res.Reason = fmt.Sprintf("%d of %d pixels differ (max channel delta %d, region %v)",
			res.DiffPixels, res.TotalPixels, res.MaxChannelDelta, res.DiffBounds)
	}
	return res
}

// pixelDelta returns the largest per-channel difference at (x, y) relative
// to each image's own origin.
func pixelDelta(c *image.NRGBA, cb image.Rectangle, g *image.NRGBA, gb image.Rectangle, x, y int) uint8 {
	cOff := c.PixOffset(cb.Min.X+x, cb.Min.Y+y)
	gOff := g.PixOffset(gb.Min.X+x, gb.Min.Y+y)
	var max uint8
	for i := 0; i < 4; i++ {
		a, b := c.Pix[cOff+i], g.Pix[gOff+i]
		d := a - b
		if b > a {
			d = b - a
		}
		if d > max {
			max = d
		}
	}
	return max
}
