package snapshot

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidSnapshot(w, h int, c color.NRGBA) *Snapshot {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return &Snapshot{Image: img}
}

func TestCompare_IdenticalMatches(t *testing.T) {
	golden := solidSnapshot(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	candidate := solidSnapshot(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	res := Compare(candidate, golden, Policy{})
	assert.True(t, res.Match)
	assert.Equal(t, 0, res.DiffPixels)
	assert.Equal(t, 64, res.TotalPixels)
}

func TestCompare_SinglePixelExactMismatch(t *testing.T) {
	golden := solidSnapshot(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	candidate := solidSnapshot(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	candidate.Image.SetNRGBA(3, 4, color.NRGBA{R: 11, G: 20, B: 30, A: 255})

	res := Compare(candidate, golden, Policy{Mode: Exact})
	assert.False(t, res.Match)
	assert.Equal(t, 1, res.DiffPixels)
	assert.Equal(t, uint8(1), res.MaxChannelDelta)
	assert.Equal(t, image.Rect(3, 4, 4, 5), res.DiffBounds)
	assert.Contains(t, res.Reason, "1 of 64 pixels differ")
}

func TestCompare_TolerantAbsorbsSmallDelta(t *testing.T) {
	golden := solidSnapshot(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	candidate := solidSnapshot(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	candidate.Image.SetNRGBA(0, 0, color.NRGBA{R: 13, G: 20, B: 30, A: 255})

	testCases := []struct {
		name   string
		policy Policy
		match  bool
	}{
		{name: "delta within channel threshold", policy: Policy{Mode: Tolerant, MaxChannelDelta: 3}, match: true},
		{name: "delta beyond channel threshold", policy: Policy{Mode: Tolerant, MaxChannelDelta: 2}, match: false},
		{name: "pixel budget absorbs it", policy: Policy{Mode: Tolerant, MaxDiffPixels: 1}, match: true},
		{name: "exact never absorbs", policy: Policy{Mode: Exact}, match: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := Compare(candidate, golden, tc.policy)
			assert.Equal(t, tc.match, res.Match)
		})
	}
}

func TestCompare_DimensionMismatch(t *testing.T) {
	golden := solidSnapshot(8, 8, color.NRGBA{A: 255})
	candidate := solidSnapshot(8, 9, color.NRGBA{A: 255})

	res := Compare(candidate, golden, Policy{})
	assert.False(t, res.Match)
	assert.Contains(t, res.Reason, "dimension mismatch")
}

func TestCompare_Deterministic(t *testing.T) {
	golden := solidSnapshot(16, 16, color.NRGBA{R: 1, A: 255})
	candidate := solidSnapshot(16, 16, color.NRGBA{R: 200, A: 255})

	first := Compare(candidate, golden, Policy{})
	second := Compare(candidate, golden, Policy{})
	assert.Equal(t, first, second)
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, Policy{}.Validate())
	require.NoError(t, Policy{Mode: Exact}.Validate())
	require.NoError(t, Policy{Mode: Tolerant}.Validate())
	require.Error(t, Policy{Mode: "fuzzy"}.Validate())
}
