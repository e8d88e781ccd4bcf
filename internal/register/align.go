package register

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"dhmreg/internal/raster"
)

// StackAligner registers the frames of a stack in place. Each frame is
// aligned to the already-aligned frame before it, so drift accumulates
// through the running reference exactly once.
type StackAligner struct {
	log *slog.Logger
}

// NewStackAligner returns an aligner that reports per-frame translations
// through log when the parameter set asks for them.
func NewStackAligner(log *slog.Logger) *StackAligner {
	return &StackAligner{log: log}
}

// Align estimates and applies a translation for every frame after the
// first. The stack keeps its frame count and bit depth; only pixel planes
// are replaced.
func (a *StackAligner) Align(ctx context.Context, s *raster.Stack, p Params) error {
	if p.ExpectedTransformation != Translation {
		return fmt.Errorf("unsupported transformation model %s", p.ExpectedTransformation)
	}
	if s.FrameCount() < 2 {
		a.info("stack has %d frame(s), nothing to align", s.FrameCount())
		return nil
	}

	if p.ShowTransformationMatrix {
		a.info("Translation per frame (x,y):")
		a.info("frame 0: (0.000, 0.000)")
	}

	for i := 1; i < s.FrameCount(); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dx, dy, peak := estimateShift(s.Frames[i-1], s.Frames[i], s.Width, s.Height, p)
		if peak < p.InlierRatio {
			return fmt.Errorf("frame %d: correlation peak %.4f below inlier floor %.2f", i, peak, p.InlierRatio)
		}
		if math.Abs(dx) > p.MaximalAlignmentError || math.Abs(dy) > p.MaximalAlignmentError {
			return fmt.Errorf("frame %d: shift (%.2f, %.2f) exceeds maximal alignment error %g", i, dx, dy, p.MaximalAlignmentError)
		}

		s.Frames[i] = translatePlane(s.Frames[i], s.Width, s.Height, dx, dy, p.Interpolate)
		if p.ShowTransformationMatrix {
			a.info("frame %d: (%.3f, %.3f)", i, dx, dy)
		}
	}
	return nil
}

func (a *StackAligner) info(format string, args ...any) {
	if a.log != nil {
		a.log.Info(fmt.Sprintf(format, args...))
	}
}

// estimateShift returns the translation (dx, dy) that, applied to mov via
// translatePlane, best registers it onto ref, plus the normalized
// cross-correlation peak of the match. The search is multi-scale: a
// coarse-to-fine pyramid bounded by the minimum/maximum image sizes, an
// exhaustive search at the coarsest level within the maximal alignment
// error, and parabolic sub-pixel refinement at the finest searched level.
func estimateShift(ref, mov []float32, w, h int, p Params) (dx, dy, peak float64) {
	type level struct {
		ref, mov []float32
		w, h     int
	}

	levels := []level{{
		ref: gaussianBlur(ref, w, h, p.InitialGaussianBlur),
		mov: gaussianBlur(mov, w, h, p.InitialGaussianBlur),
		w:   w,
		h:   h,
	}}
	for {
		top := levels[len(levels)-1]
		if top.w/2 < p.MinimumImageSize || top.h/2 < p.MinimumImageSize {
			break
		}
		levels = append(levels, level{
			ref: downsample(top.ref, top.w, top.h),
			mov: downsample(top.mov, top.w, top.h),
			w:   top.w / 2,
			h:   top.h / 2,
		})
	}

	// Levels larger than the maximum image size are never searched; the
	// result is scaled back up instead.
	finest := 0
	for finest < len(levels)-1 && (levels[finest].w > p.MaximumImageSize || levels[finest].h > p.MaximumImageSize) {
		finest++
	}

	coarse := levels[len(levels)-1]
	scale := 1 << (len(levels) - 1)
	radius := int(math.Ceil(p.MaximalAlignmentError/float64(scale))) + 1

	bx, by := 0, 0
	best := math.Inf(-1)
	for v := -radius; v <= radius; v++ {
		for u := -radius; u <= radius; u++ {
			if s := ncc(coarse.ref, coarse.mov, coarse.w, coarse.h, u, v); s > best {
				best, bx, by = s, u, v
			}
		}
	}

	for li := len(levels) - 2; li >= finest; li-- {
		l := levels[li]
		bx, by = bx*2, by*2
		cb, cx, cy := math.Inf(-1), bx, by
		for v := by - 2; v <= by+2; v++ {
			for u := bx - 2; u <= bx+2; u++ {
				if s := ncc(l.ref, l.mov, l.w, l.h, u, v); s > cb {
					cb, cx, cy = s, u, v
				}
			}
		}
		bx, by, best = cx, cy, cb
	}

	fl := levels[finest]
	fx := subpixel(
		ncc(fl.ref, fl.mov, fl.w, fl.h, bx-1, by),
		best,
		ncc(fl.ref, fl.mov, fl.w, fl.h, bx+1, by),
	)
	fy := subpixel(
		ncc(fl.ref, fl.mov, fl.w, fl.h, bx, by-1),
		best,
		ncc(fl.ref, fl.mov, fl.w, fl.h, bx, by+1),
	)

	factor := float64(uint(1) << uint(finest))
	return (float64(bx) + fx) * factor, (float64(by) + fy) * factor, best
}

// ncc computes normalized cross-correlation between a and b shifted by
// (u, v), over their overlap region. Returns -1 when the overlap is too
// small or degenerate to correlate.
func ncc(a, b []float32, w, h, u, v int) float64 {
	x0, x1 := 0, w
	if u > 0 {
		x1 = w - u
	} else {
		x0 = -u
	}
	y0, y1 := 0, h
	if v > 0 {
		y1 = h - v
	} else {
		y0 = -v
	}
	if x1-x0 < 4 || y1-y0 < 4 {
		return -1
	}

	var sa, sb, saa, sbb, sab float64
	n := float64((x1 - x0) * (y1 - y0))
	for y := y0; y < y1; y++ {
		ra := y * w
		rb := (y + v) * w
		for x := x0; x < x1; x++ {
			pa := float64(a[ra+x])
			pb := float64(b[rb+x+u])
			sa += pa
			sb += pb
			saa += pa * pa
			sbb += pb * pb
			sab += pa * pb
		}
	}

	cov := sab/n - (sa/n)*(sb/n)
	va := saa/n - (sa/n)*(sa/n)
	vb := sbb/n - (sb/n)*(sb/n)
	if va <= 1e-12 || vb <= 1e-12 {
		return -1
	}
	return cov / math.Sqrt(va*vb)
}

// subpixel fits a parabola through three correlation samples around the
// integer peak and returns the fractional offset, clamped to (-0.5, 0.5).
func subpixel(left, center, right float64) float64 {
	denom := left - 2*center + right
	if denom >= 0 {
		return 0
	}
	off := 0.5 * (left - right) / denom
	if off > 0.5 {
		return 0.5
	}
	if off < -0.5 {
		return -0.5
	}
	return off
}

// translatePlane resamples src shifted by (dx, dy). Samples falling
// outside the source are zero-filled. With interpolate false the shift is
// rounded to whole pixels.
func translatePlane(src []float32, w, h int, dx, dy float64, interpolate bool) []float32 {
	out := make([]float32, len(src))

	if !interpolate {
		ix := int(math.Round(dx))
		iy := int(math.Round(dy))
		for y := 0; y < h; y++ {
			sy := y + iy
			if sy < 0 || sy >= h {
				continue
			}
			for x := 0; x < w; x++ {
				sx := x + ix
				if sx < 0 || sx >= w {
					continue
				}
				out[y*w+x] = src[sy*w+sx]
			}
		}
		return out
	}

	for y := 0; y < h; y++ {
		sy := float64(y) + dy
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		for x := 0; x < w; x++ {
			sx := float64(x) + dx
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)

			var acc float64
			for _, c := range [4]struct {
				x, y int
				wgt  float64
			}{
				{x0, y0, (1 - fx) * (1 - fy)},
				{x0 + 1, y0, fx * (1 - fy)},
				{x0, y0 + 1, (1 - fx) * fy},
				{x0 + 1, y0 + 1, fx * fy},
			} {
				if c.x < 0 || c.x >= w || c.y < 0 || c.y >= h || c.wgt == 0 {
					continue
				}
				acc += c.wgt * float64(src[c.y*w+c.x])
			}
			out[y*w+x] = float32(acc)
		}
	}
	return out
}

// gaussianBlur applies a separable gaussian with the given sigma, clamping
// at the edges. sigma <= 0 returns a copy.
func gaussianBlur(src []float32, w, h int, sigma float64) []float32 {
	if sigma <= 0 {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}

	radius := int(math.Ceil(sigma * 3))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		kernel[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
		sum += kernel[i+radius]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v >= hi {
			return hi - 1
		}
		return v
	}

	tmp := make([]float32, len(src))
	for y := 0; y < h; y++ {
		row := y * w
		for x := 0; x < w; x++ {
			var acc float64
			for i := -radius; i <= radius; i++ {
				acc += kernel[i+radius] * float64(src[row+clamp(x+i, w)])
			}
			tmp[row+x] = float32(acc)
		}
	}
	out := make([]float32, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i := -radius; i <= radius; i++ {
				acc += kernel[i+radius] * float64(tmp[clamp(y+i, h)*w+x])
			}
			out[y*w+x] = float32(acc)
		}
	}
	return out
}

// downsample halves both dimensions with 2x2 box averaging.
func downsample(src []float32, w, h int) []float32 {
	nw, nh := w/2, h/2
	out := make([]float32, nw*nh)
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			sx, sy := 2*x, 2*y
			out[y*nw+x] = (src[sy*w+sx] + src[sy*w+sx+1] +
				src[(sy+1)*w+sx] + src[(sy+1)*w+sx+1]) / 4
		}
	}
	return out
}
