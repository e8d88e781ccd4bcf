package register

import (
	"context"
	"math"
	"strings"
	"testing"

	"dhmreg/internal/raster"
)

// blobFrame renders a gaussian spot centered at (cx, cy) onto a w x h
// plane. Shifting the center simulates stage drift between frames.
func blobFrame(w, h int, cx, cy, sigma float64) []float32 {
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			out[y*w+x] = float32(math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma)))
		}
	}
	return out
}

func TestEstimateShiftRecoversKnownTranslation(t *testing.T) {
	const w, h = 64, 64
	p := DefaultParams()

	ref := blobFrame(w, h, 32, 32, 6)
	// Drifted by (+3, -2): the blob sits at (35, 30).
	mov := blobFrame(w, h, 35, 30, 6)

	dx, dy, peak := estimateShift(ref, mov, w, h, p)

	if math.Abs(dx-3) > 0.35 || math.Abs(dy+2) > 0.35 {
		t.Fatalf("estimated shift (%.3f, %.3f), want close to (3, -2)", dx, dy)
	}
	if peak < 0.8 {
		t.Fatalf("correlation peak %.3f, want >= 0.8 for a clean synthetic match", peak)
	}
}

func TestAlignRegistersDriftedStack(t *testing.T) {
	const w, h = 64, 64
	p := DefaultParams()

	stack := &raster.Stack{
		Width:  w,
		Height: h,
		Depth:  32,
		Frames: [][]float32{
			blobFrame(w, h, 32, 32, 6),
			blobFrame(w, h, 36, 29, 6),
			blobFrame(w, h, 40, 26, 6),
		},
	}

	before := rms(stack.Frames[0], stack.Frames[2])

	if err := NewStackAligner(nil).Align(context.Background(), stack, p); err != nil {
		t.Fatalf("align failed: %v", err)
	}

	if stack.Depth != 32 || stack.FrameCount() != 3 {
		t.Fatalf("artifact contract violated: depth=%d frames=%d", stack.Depth, stack.FrameCount())
	}

	after := rms(stack.Frames[0], stack.Frames[2])
	if after > before/3 {
		t.Fatalf("registration did not converge: rms before=%.5f after=%.5f", before, after)
	}
}

func TestAlignRejectsFlatFrame(t *testing.T) {
	const w, h = 64, 64
	p := DefaultParams()

	stack := &raster.Stack{
		Width:  w,
		Height: h,
		Depth:  32,
		Frames: [][]float32{
			blobFrame(w, h, 32, 32, 6),
			make([]float32, w*h), // nothing to correlate against
		},
	}

	if err := NewStackAligner(nil).Align(context.Background(), stack, p); err == nil {
		t.Fatal("expected alignment failure for a featureless frame")
	}
}

func TestAlignSingleFrameIsNoop(t *testing.T) {
	p := DefaultParams()
	stack := &raster.Stack{
		Width:  8,
		Height: 8,
		Depth:  16,
		Frames: [][]float32{make([]float32, 64)},
	}
	if err := NewStackAligner(nil).Align(context.Background(), stack, p); err != nil {
		t.Fatalf("single-frame stack must align trivially, got %v", err)
	}
}

func TestAlignHonorsCancellation(t *testing.T) {
	const w, h = 64, 64
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stack := &raster.Stack{
		Width:  w,
		Height: h,
		Depth:  32,
		Frames: [][]float32{blobFrame(w, h, 32, 32, 6), blobFrame(w, h, 33, 32, 6)},
	}
	if err := NewStackAligner(nil).Align(ctx, stack, DefaultParams()); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestTranslatePlaneIntegerShift(t *testing.T) {
	const w, h = 8, 8
	src := make([]float32, w*h)
	src[3*w+2] = 1 // single bright pixel at (2, 3)

	out := translatePlane(src, w, h, 2, -1, false)

	// out[x,y] samples src[x+2, y-1]: the pixel lands at (0, 4).
	if out[4*w+0] != 1 {
		t.Fatalf("expected pixel at (0,4), plane %v", out)
	}
	var sum float32
	for _, v := range out {
		sum += v
	}
	if sum != 1 {
		t.Fatalf("shift must move exactly one pixel, total intensity %v", sum)
	}
}

func TestTranslatePlaneZeroShiftIsIdentity(t *testing.T) {
	const w, h = 8, 8
	src := blobFrame(w, h, 4, 4, 2)
	out := translatePlane(src, w, h, 0, 0, true)
	for i := range src {
		if math.Abs(float64(out[i]-src[i])) > 1e-6 {
			t.Fatalf("zero shift changed pixel %d: %v != %v", i, out[i], src[i])
		}
	}
}

func TestSubpixelPullsTowardLargerNeighbor(t *testing.T) {
	if off := subpixel(0.5, 1.0, 0.5); off != 0 {
		t.Fatalf("symmetric samples must give 0, got %v", off)
	}
	if off := subpixel(0.9, 1.0, 0.7); off >= 0 {
		t.Fatalf("larger left neighbor must pull offset negative, got %v", off)
	}
	if off := subpixel(0.7, 1.0, 0.9); off <= 0 {
		t.Fatalf("larger right neighbor must pull offset positive, got %v", off)
	}
}

func TestGaussianBlurKeepsFlatField(t *testing.T) {
	const w, h = 16, 16
	src := make([]float32, w*h)
	for i := range src {
		src[i] = 0.25
	}
	out := gaussianBlur(src, w, h, 1.6)
	for i, v := range out {
		if math.Abs(float64(v-0.25)) > 1e-4 {
			t.Fatalf("flat field changed at %d: %v", i, v)
		}
	}
}

func TestDescribeRendersFixedParameterBlock(t *testing.T) {
	text := DefaultParams().Describe()

	for _, want := range []string{
		"Linear Stack Alignment with SIFT parameter:",
		"initial_gaussian_blur = 1.60",
		"steps_per_scale_octave = 3",
		"minimum_image_size = 64",
		"maximum_image_size = 1024",
		"feature_descriptor_size = 4",
		"feature_descriptor_orientation_bins = 8",
		"closest/next_closest_ratio = 0.92",
		"maximal_alignment_error = 25",
		"inlier_ratio = 0.05",
		"expected_transformation = Translation",
		"interpolate",
		"show_transformation_matrix",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("parameter block missing %q:\n%s", want, text)
		}
	}
}

func rms(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}
